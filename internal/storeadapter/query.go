package storeadapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kraklabs/docengine/internal/docpath"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/value"
)

// scanCollection returns every document key directly under collectionPath,
// using Redis SCAN (never KEYS, to avoid blocking the server on a large
// keyspace).
func (s *Store) scanCollection(ctx context.Context, client *redis.Client, collectionPath string) ([]string, error) {
	wantSegs := len(docpath.Split(collectionPath)) + 1
	pattern := collectionPath + "/*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, classify(err)
		}
		for _, k := range batch {
			if len(docpath.Split(k)) == wantSegs {
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func matchesFilter(fields *value.Value, f rpc.Filter) bool {
	if fields == nil || fields.Map == nil {
		return false
	}
	v, ok := fields.Map[f.FieldPath]
	if !ok || f.Value == nil {
		return false
	}
	switch f.Op {
	case "==", "":
		return scalarEqual(v, f.Value)
	case "!=":
		return !scalarEqual(v, f.Value)
	default:
		// Range and array operators are out of scope for this reference
		// adapter; treat unknown operators as non-matching rather than
		// silently returning wrong results.
		return false
	}
}

func scalarEqual(a, b *value.Value) bool {
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case value.KindString:
		return a.String == b.String
	case value.KindInt64:
		return a.Int64 == b.Int64
	case value.KindDouble:
		return a.Double == b.Double
	case value.KindBool:
		return a.Bool == b.Bool
	case value.KindReference:
		return a.Reference == b.Reference
	default:
		return false
	}
}

// runQuery builds a fully-materialized synthetic stream for req: it scans
// the target collection, applies equality filters and ordering, then hands
// back a *docStream that replays the results one rpc.StreamElement at a
// time, matching the paused/resumable shape real server streams present.
func (s *Store) runQuery(ctx context.Context, client *redis.Client, req *rpc.RunQueryRequest) (rpc.Stream, error) {
	keys, err := s.scanCollection(ctx, client, req.Query.CollectionPath)
	if err != nil {
		return nil, err
	}

	var docs []*rpc.Document
	for _, k := range keys {
		raw, err := client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, classify(err)
		}
		if len(raw) == 0 {
			continue
		}
		doc, err := s.decodeDocument(k, raw)
		if err != nil {
			return nil, err
		}
		matched := true
		for _, f := range req.Query.Filters {
			if !matchesFilter(doc.Fields, f) {
				matched = false
				break
			}
		}
		if matched {
			docs = append(docs, doc)
		}
	}

	if len(req.Query.Orders) > 0 {
		sortByOrders(docs, req.Query.Orders)
	}

	if req.Query.StartAfter != nil {
		docs = skipAfter(docs, req.Query.StartAfter.DocumentPath)
	}
	if req.Query.Limit > 0 && len(docs) > req.Query.Limit {
		docs = docs[:req.Query.Limit]
	}

	return newDocStream(docs), nil
}

func sortByOrders(docs []*rpc.Document, orders []rpc.Order) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			vi := fieldValue(docs[i], o.FieldPath)
			vj := fieldValue(docs[j], o.FieldPath)
			cmp := compareValues(vi, vj)
			if cmp == 0 {
				continue
			}
			if o.Direction == "DESCENDING" {
				return cmp > 0
			}
			return cmp < 0
		}
		return docs[i].Path < docs[j].Path
	})
}

func fieldValue(doc *rpc.Document, path string) *value.Value {
	if doc.Fields == nil || doc.Fields.Map == nil {
		return nil
	}
	return doc.Fields.Map[path]
}

func compareValues(a, b *value.Value) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch a.Kind {
	case value.KindInt64:
		return int(a.Int64 - b.Int64)
	case value.KindDouble:
		switch {
		case a.Double < b.Double:
			return -1
		case a.Double > b.Double:
			return 1
		default:
			return 0
		}
	case value.KindString:
		return strings.Compare(a.String, b.String)
	default:
		return 0
	}
}

func skipAfter(docs []*rpc.Document, afterPath string) []*rpc.Document {
	for i, d := range docs {
		if d.Path == afterPath {
			return docs[i+1:]
		}
	}
	return docs
}

// docStream replays a pre-materialized result set as an rpc.Stream.
type docStream struct {
	docs      []*rpc.Document
	idx       int
	cancelled bool
}

func newDocStream(docs []*rpc.Document) *docStream {
	return &docStream{docs: docs}
}

func (ds *docStream) Recv(ctx context.Context) (rpc.StreamElement, error) {
	if ds.cancelled {
		return rpc.StreamElement{}, context.Canceled
	}
	select {
	case <-ctx.Done():
		return rpc.StreamElement{}, ctx.Err()
	default:
	}
	if ds.idx >= len(ds.docs) {
		return rpc.StreamElement{Done: true}, nil
	}
	doc := ds.docs[ds.idx]
	ds.idx++
	return rpc.StreamElement{Document: doc}, nil
}

func (ds *docStream) Cancel() { ds.cancelled = true }

func (s *Store) listCollectionIDs(ctx context.Context, client *redis.Client, req *rpc.ListCollectionIDsRequest) ([]string, error) {
	parentSegs := len(docpath.Split(req.ParentPath))
	pattern := "*"
	if req.ParentPath != "" {
		pattern = req.ParentPath + "/*"
	}

	seen := make(map[string]bool)
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, classify(err)
		}
		for _, k := range batch {
			segs := docpath.Split(k)
			if len(segs) == parentSegs+1 {
				seen[segs[parentSegs]] = true
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) listDocuments(ctx context.Context, client *redis.Client, req *rpc.ListDocumentsRequest) ([]*rpc.Document, error) {
	keys, err := s.scanCollection(ctx, client, req.CollectionPath)
	if err != nil {
		return nil, err
	}
	docs := make([]*rpc.Document, 0, len(keys))
	for _, k := range keys {
		raw, err := client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, classify(err)
		}
		if len(raw) == 0 {
			continue
		}
		doc, err := s.decodeDocument(k, raw)
		if err != nil {
			return nil, fmt.Errorf("storeadapter: list documents: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
