package storeadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kraklabs/docengine/internal/rpc"
)

// commit implements rpc.Sender's transactional commit: every document path
// the transaction read is WATCHed, and the buffered writes are applied in
// a MULTI/EXEC pipeline inside the WATCH callback, so a concurrent writer
// touching any watched path aborts the commit with ABORTED.
func (s *Store) commit(ctx context.Context, req *rpc.CommitRequest) (*rpc.CommitResponse, error) {
	s.txnMu.Lock()
	tx, ok := s.txns[string(req.Transaction)]
	if ok {
		delete(s.txns, string(req.Transaction))
	}
	s.txnMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("storeadapter: commit for unknown transaction")
	}

	watched := make([]string, 0, len(tx.watched))
	for p := range tx.watched {
		watched = append(watched, p)
	}

	resp := &rpc.CommitResponse{WriteResults: make([]rpc.WriteResult, len(req.Writes))}

	fn := func(rtx *redis.Tx) error {
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range req.Writes {
				if err := s.stagePipelineWrite(ctx, tx.client, pipe, w); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}

	var err error
	if len(watched) > 0 {
		err = tx.client.Watch(ctx, fn, watched...)
	} else {
		_, err = tx.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range req.Writes {
				if serr := s.stagePipelineWrite(ctx, tx.client, pipe, w); serr != nil {
					return serr
				}
			}
			return nil
		})
	}
	if err != nil {
		return nil, classify(err)
	}

	commitTime := toRedisTimestamp(time.Now())
	resp.CommitTime = commitTime
	for i := range resp.WriteResults {
		resp.WriteResults[i] = rpc.WriteResult{UpdateTime: &commitTime}
	}
	return resp, nil
}
