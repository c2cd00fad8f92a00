// Package channelpool implements spec.md §5's shared-resource rule: "each
// channel supports <=100 concurrent operations; clients beyond that use the
// next channel. Channels are created lazily and reused." Document paths are
// routed to a sticky channel with rendezvous hashing so that repeated
// traffic on the same path tends to land on the same channel (better batch
// locality), spilling over to additional channels only under load — the
// same key-to-stable-destination idea the teacher's cluster client used for
// Redis Cluster slot routing, generalized to gRPC channel affinity.
package channelpool

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// MaxConcurrentPerChannel is the spec's per-channel ceiling.
const MaxConcurrentPerChannel = 100

// Channel is an opaque handle; the pool only tracks identity and load.
type Channel struct {
	ID int
}

// Pool lazily creates channels and assigns document-path traffic to them by
// rendezvous hashing, falling back to the lowest-numbered channel with spare
// capacity when the hashed choice is saturated.
type Pool struct {
	mu      sync.Mutex
	load    []int
	rdv     *rendezvous.Rendezvous
	maxLoad int
}

// New creates an empty pool. Channels are created on first Acquire.
func New() *Pool {
	return &Pool{maxLoad: MaxConcurrentPerChannel}
}

func (p *Pool) nodeIDs() []string {
	ids := make([]string, len(p.load))
	for i := range p.load {
		ids[i] = strconv.Itoa(i)
	}
	return ids
}

func (p *Pool) rebuildRendezvous() {
	p.rdv = rendezvous.New(p.nodeIDs(), xxhash.Sum64String)
}

func (p *Pool) addChannel() int {
	id := len(p.load)
	p.load = append(p.load, 0)
	p.rebuildRendezvous()
	return id
}

// Acquire returns the channel a document path should use for its next RPC,
// creating a new channel lazily only when every existing channel is at
// capacity.
func (p *Pool) Acquire(docPath string) Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.load) == 0 {
		p.addChannel()
	}

	picked, err := strconv.Atoi(p.rdv.Lookup(docPath))
	if err != nil || picked < 0 || picked >= len(p.load) {
		picked = 0
	}

	if p.load[picked] < p.maxLoad {
		p.load[picked]++
		return Channel{ID: picked}
	}

	for i, load := range p.load {
		if load < p.maxLoad {
			p.load[i]++
			return Channel{ID: i}
		}
	}
	id := p.addChannel()
	p.load[id]++
	return Channel{ID: id}
}

// Release returns a channel to the pool after its RPC completes.
func (p *Pool) Release(ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.ID >= 0 && ch.ID < len(p.load) && p.load[ch.ID] > 0 {
		p.load[ch.ID]--
	}
}

// Size reports the number of channels currently created.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.load)
}
