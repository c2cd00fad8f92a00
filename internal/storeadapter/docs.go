package storeadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/value"
)

const (
	metaCreateTime = "__createTime"
	metaUpdateTime = "__updateTime"
)

func toRedisTimestamp(t time.Time) rpc.Timestamp {
	return rpc.Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond()), Valid: true}
}

// decodeFieldMap decodes every non-metadata hash field into a single
// top-level value.Value map, the shape rpc.Document.Fields expects.
func (s *Store) decodeFieldMap(raw map[string]string) (*value.Value, error) {
	m := make(map[string]*value.Value, len(raw))
	for name, encoded := range raw {
		v, err := s.decodeField([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("storeadapter: field %q: %w", name, err)
		}
		m[name] = v
	}
	return value.Map(m), nil
}

func (s *Store) decodeDocument(path string, raw map[string]string) (*rpc.Document, error) {
	doc := &rpc.Document{Path: path}
	fieldRaw := make(map[string]string, len(raw))
	for k, v := range raw {
		switch k {
		case metaCreateTime:
			doc.CreateTime = parseStoredTimestamp(v)
		case metaUpdateTime:
			doc.UpdateTime = parseStoredTimestamp(v)
		default:
			fieldRaw[k] = v
		}
	}
	fields, err := s.decodeFieldMap(fieldRaw)
	if err != nil {
		return nil, err
	}
	doc.Fields = fields
	return doc, nil
}

func parseStoredTimestamp(s string) rpc.Timestamp {
	var sec, nsec int64
	fmt.Sscanf(s, "%d.%d", &sec, &nsec)
	return rpc.Timestamp{Seconds: sec, Nanos: int32(nsec), Valid: true}
}

func formatStoredTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%d", t.Unix(), t.Nanosecond())
}

// batchGet implements rpc.Sender's batch-get for documents, optionally
// pinned to a transaction (whose watched-path set accumulates here so the
// eventual commit WATCHes every document this transaction read).
func (s *Store) batchGet(ctx context.Context, client *redis.Client, req *rpc.BatchGetDocumentsRequest) ([]*rpc.Document, error) {
	if len(req.Transaction) > 0 {
		s.txnMu.Lock()
		if tx, ok := s.txns[string(req.Transaction)]; ok {
			for _, p := range req.Documents {
				tx.watched[p] = true
			}
		}
		s.txnMu.Unlock()
	}

	var out []*rpc.Document
	for _, path := range req.Documents {
		raw, err := client.HGetAll(ctx, path).Result()
		if err != nil {
			return nil, classify(err)
		}
		if len(raw) == 0 {
			continue
		}
		doc, err := s.decodeDocument(path, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// stagePipelineWrite queues one write entry's Redis commands onto pipe,
// performing any existence checks that must happen before staging (these
// run outside the pipeline since go-redis pipelines don't support reads
// gating later commands in the same round trip).
func (s *Store) stagePipelineWrite(ctx context.Context, client *redis.Client, pipe redis.Pipeliner, w rpc.WriteEntry) error {
	if w.Precondition != nil {
		exists, err := client.Exists(ctx, w.DocumentPath).Result()
		if err != nil {
			return classify(err)
		}
		if w.Precondition.MustNotExist && exists == 1 {
			return &rpc.ClassifiedError{Code: rpcerr.AlreadyExists}
		}
		if w.Precondition.MustExist != nil && *w.Precondition.MustExist && exists == 0 {
			return &rpc.ClassifiedError{Code: rpcerr.NotFound}
		}
	}

	switch w.Kind {
	case rpc.WriteCreate:
		exists, err := client.Exists(ctx, w.DocumentPath).Result()
		if err != nil {
			return classify(err)
		}
		if exists == 1 {
			return &rpc.ClassifiedError{Code: rpcerr.AlreadyExists}
		}
		return s.stageUpsert(ctx, pipe, w.DocumentPath, w.Fields, true)

	case rpc.WriteSet:
		return s.stageUpsert(ctx, pipe, w.DocumentPath, w.Fields, true)

	case rpc.WriteUpdate:
		return s.stageFieldUpdate(ctx, pipe, w.DocumentPath, w.FieldPaths, w.Fields)

	case rpc.WriteDelete:
		pipe.Del(ctx, w.DocumentPath)
		return nil

	default:
		return fmt.Errorf("storeadapter: unknown write kind %d", w.Kind)
	}
}

func (s *Store) stageUpsert(ctx context.Context, pipe redis.Pipeliner, path string, fields *value.Value, setCreateTime bool) error {
	vals := map[string]any{}
	if fields != nil {
		for name, v := range fields.Map {
			encoded, err := s.encodeField(v)
			if err != nil {
				return err
			}
			vals[name] = encoded
		}
	}
	now := formatStoredTimestamp(time.Now())
	vals[metaUpdateTime] = now
	if setCreateTime {
		vals[metaCreateTime] = now
	}
	pipe.HSet(ctx, path, vals)
	return nil
}

func (s *Store) stageFieldUpdate(ctx context.Context, pipe redis.Pipeliner, path string, fieldPaths []string, fields *value.Value) error {
	vals := map[string]any{}
	for _, fp := range fieldPaths {
		v := fields.Map[fp]
		encoded, err := s.encodeField(v)
		if err != nil {
			return err
		}
		vals[fp] = encoded
	}
	vals[metaUpdateTime] = formatStoredTimestamp(time.Now())
	pipe.HSet(ctx, path, vals)
	return nil
}

// batchWrite implements rpc.Sender's batched, non-transactional write path.
func (s *Store) batchWrite(ctx context.Context, client *redis.Client, req *rpc.BatchWriteRequest) (*rpc.BatchWriteResponse, error) {
	resp := &rpc.BatchWriteResponse{
		WriteResults: make([]rpc.WriteResult, len(req.Writes)),
		Status:       make([]rpc.Status, len(req.Writes)),
	}

	pipe := client.Pipeline()
	staged := make([]bool, len(req.Writes))
	anyStaged := false
	for i, w := range req.Writes {
		if err := s.stagePipelineWrite(ctx, client, pipe, w); err != nil {
			resp.Status[i] = rpc.Status{Code: statusCodeFor(err), Message: err.Error()}
			continue
		}
		staged[i] = true
		anyStaged = true
	}

	if anyStaged {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			wrapped := classify(err)
			for i := range req.Writes {
				if staged[i] {
					resp.Status[i] = rpc.Status{Code: statusCodeFor(wrapped), Message: wrapped.Error()}
				}
			}
			return resp, nil
		}
	}

	writeTime := toRedisTimestamp(time.Now())
	for i := range req.Writes {
		if staged[i] {
			resp.WriteResults[i] = rpc.WriteResult{UpdateTime: &writeTime}
		}
	}
	return resp, nil
}

func statusCodeFor(err error) rpcerr.Code {
	var ce *rpc.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return rpcerr.Unknown
}
