// Package storeadapter is the reference rpc.Sender implementation backing
// the core engine during local development and testing: it persists
// documents as Redis hashes over github.com/redis/go-redis/v9, routes
// requests through internal/channelpool for affinity, and compresses large
// field payloads through internal/wirecodec. It is not part of the core
// client engine (spec.md §1 names the RPC sender as an external
// collaborator) — it is one concrete implementation of that collaborator.
package storeadapter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kraklabs/docengine/internal/channelpool"
	"github.com/kraklabs/docengine/internal/logger"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/wirecodec"
)

// Config configures a Store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// CompressionThreshold is the encoded size, in bytes, above which a
	// field's value is run through Codec before being stored.
	CompressionThreshold int
	Codec                wirecodec.Name
}

func (c Config) withDefaults() Config {
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.Codec == "" {
		c.Codec = wirecodec.None
	}
	return c
}

// Store implements rpc.Sender over Redis.
type Store struct {
	cfg   Config
	codec wirecodec.Codec
	pool  *channelpool.Pool

	mu       sync.Mutex
	channels []*redis.Client

	txnMu sync.Mutex
	txns  map[string]*serverTxn
}

// serverTxn tracks one in-flight transaction on the backend side: the set
// of document paths read under it (WATCHed at commit time) and the client
// it was opened against.
type serverTxn struct {
	client  *redis.Client
	watched map[string]bool
}

// New creates a Store. It does not dial eagerly; go-redis clients connect
// lazily on first command.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	codec, err := wirecodec.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:   cfg,
		codec: codec,
		pool:  channelpool.New(),
		txns:  make(map[string]*serverTxn),
	}, nil
}

// Close closes every channel the store has opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.channels {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// clientFor returns the Redis client for tag's affinity channel, creating
// it lazily (spec §5: "channels are created lazily and reused").
func (s *Store) clientFor(tag rpc.RequestTag) *redis.Client {
	ch := s.pool.Acquire(string(tag))
	defer s.pool.Release(ch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.channels) <= ch.ID {
		s.channels = append(s.channels, redis.NewClient(&redis.Options{
			Addr:     s.cfg.Addr,
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		}))
	}
	return s.channels[ch.ID]
}

func newToken() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return []byte(hex.EncodeToString(b))
}

// classify wraps a raw Redis error in rpc.ClassifiedError so the core
// classifier can reason about it without knowing about go-redis.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.TxFailedErr {
		return &rpc.ClassifiedError{Code: rpcerr.Aborted, Message: err.Error()}
	}
	if err == redis.Nil {
		return &rpc.ClassifiedError{Code: rpcerr.NotFound, Message: err.Error()}
	}
	return &rpc.ClassifiedError{Code: rpcerr.Unavailable, Message: err.Error()}
}

// Unary implements rpc.Sender.
func (s *Store) Unary(ctx context.Context, method rpcerr.Method, req any, tag rpc.RequestTag, _ bool) (any, error) {
	client := s.clientFor(tag)
	switch method {
	case rpcerr.MethodBeginTransaction:
		return s.beginTransaction(req.(*rpc.BeginTransactionRequest), client)
	case rpcerr.MethodCommit:
		return s.commit(ctx, req.(*rpc.CommitRequest))
	case rpcerr.MethodRollback:
		return s.rollback(req.(*rpc.RollbackRequest))
	case rpcerr.MethodBatchGetDocuments:
		return s.batchGet(ctx, client, req.(*rpc.BatchGetDocumentsRequest))
	case rpcerr.MethodBatchWrite:
		return s.batchWrite(ctx, client, req.(*rpc.BatchWriteRequest))
	case rpcerr.MethodListCollectionIDs:
		return s.listCollectionIDs(ctx, client, req.(*rpc.ListCollectionIDsRequest))
	case rpcerr.MethodListDocuments:
		return s.listDocuments(ctx, client, req.(*rpc.ListDocumentsRequest))
	default:
		return nil, fmt.Errorf("storeadapter: unsupported unary method %s", method)
	}
}

// ReadStream implements rpc.Sender.
func (s *Store) ReadStream(ctx context.Context, method rpcerr.Method, req any, tag rpc.RequestTag, _ bool) (rpc.Stream, error) {
	if method != rpcerr.MethodRunQuery {
		return nil, fmt.Errorf("storeadapter: unsupported stream method %s", method)
	}
	client := s.clientFor(tag)
	return s.runQuery(ctx, client, req.(*rpc.RunQueryRequest))
}

func (s *Store) beginTransaction(req *rpc.BeginTransactionRequest, client *redis.Client) (*rpc.BeginTransactionResponse, error) {
	token := newToken()
	s.txnMu.Lock()
	s.txns[string(token)] = &serverTxn{client: client, watched: make(map[string]bool)}
	s.txnMu.Unlock()
	if len(req.RetryTransaction) > 0 {
		logger.Debug("storeadapter: beginning retry attempt for previous transaction %s", req.RetryTransaction)
	}
	return &rpc.BeginTransactionResponse{Transaction: token}, nil
}

func (s *Store) rollback(req *rpc.RollbackRequest) (*struct{}, error) {
	s.txnMu.Lock()
	delete(s.txns, string(req.Transaction))
	s.txnMu.Unlock()
	return &struct{}{}, nil
}
