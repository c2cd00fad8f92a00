// Package cli wires the core engine packages into runnable demo
// subcommands against a live Redis-backed store, in the same
// flag.NewFlagSet-per-subcommand style the teacher uses for its own
// operator-facing commands.
package cli

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraklabs/docengine/internal/backoff"
	"github.com/kraklabs/docengine/internal/bulkwriter"
	"github.com/kraklabs/docengine/internal/config"
	"github.com/kraklabs/docengine/internal/logger"
	"github.com/kraklabs/docengine/internal/querystream"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/storeadapter"
	"github.com/kraklabs/docengine/internal/txn"
	"github.com/kraklabs/docengine/internal/value"
	"github.com/kraklabs/docengine/internal/wirecodec"
)

const version = "docengine 0.1.0-dev"

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[docengine] ")

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "bulk-demo":
		return runBulkDemo(args[1:])
	case "tx-demo":
		return runTxDemo(args[1:])
	case "query-demo":
		return runQueryDemo(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println(version)
		return 0
	default:
		log.Printf("unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println(`docengine - document-database client engine demos

Usage:
  docengine <command> [flags]

Commands:
  bulk-demo    submit a batch of create/set/update/delete writes through the bulk-write engine
  tx-demo      run a read-then-write transaction through the transaction runner
  query-demo   stream a collection through the streaming query executor
  version      print the version
  help         show this help`)
}

// sharedFlags is the flag surface common to every demo subcommand.
type sharedFlags struct {
	configPath string
	redisAddr  string
	redisDB    int
	database   string
	codec      string
}

func bindShared(fs *flag.FlagSet) *sharedFlags {
	sf := &sharedFlags{}
	fs.StringVar(&sf.configPath, "config", "", "path to a YAML config file (optional; defaults apply otherwise)")
	fs.StringVar(&sf.redisAddr, "redis", "127.0.0.1:6379", "address of the backing Redis instance")
	fs.IntVar(&sf.redisDB, "redis-db", 0, "Redis logical database index")
	fs.StringVar(&sf.database, "database", "projects/demo/databases/(default)", "logical database identifier")
	fs.StringVar(&sf.codec, "codec", "none", "wire compression codec: none, gzip, lz4, lzf")
	return sf
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(path)
}

func newStore(sf *sharedFlags) (*storeadapter.Store, error) {
	return storeadapter.New(storeadapter.Config{
		Addr:  sf.redisAddr,
		DB:    sf.redisDB,
		Codec: wirecodec.Name(sf.codec),
	})
}

// demoContext returns a context cancelled on SIGINT/SIGTERM, matching the
// teacher's own interrupt-handling pattern for long-running commands.
func demoContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runBulkDemo(args []string) int {
	fs := flag.NewFlagSet("bulk-demo", flag.ExitOnError)
	sf := bindShared(fs)
	count := fs.Int("count", 10, "number of documents to write")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(sf.configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}
	store, err := newStore(sf)
	if err != nil {
		log.Printf("store: %v", err)
		return 1
	}
	defer store.Close()

	engine := bulkwriter.New(store, bulkwriter.Config{
		Database:            sf.database,
		MaxBatchSize:        cfg.BulkWriter.MaxBatchSize,
		RetryBatchSize:      cfg.BulkWriter.RetryBatchSize,
		MaxPendingOps:       cfg.BulkWriter.MaxPendingOps,
		MaxRetryAttempts:    cfg.BulkWriter.MaxRetryAttempts,
		Backoff:             toBackoffConfig(cfg.Backoff),
		ThrottlingEnabled:   cfg.Throttling.Enabled,
		InitialOpsPerSecond: float64(cfg.Throttling.InitialOpsPerSecond),
		MaxOpsPerSecond:     float64(cfg.Throttling.MaxOpsPerSecond),
	})

	engine.OnError(func(e *bulkwriter.OpError) (bool, error) {
		logger.Warn("bulk-demo: retrying %s %s after failure %d: %v", e.Kind, e.DocumentPath, e.FailedAttempts, e.Cause)
		return true, nil
	})

	ctx, cancel := demoContext()
	defer cancel()

	handles := make([]*bulkwriter.ResultHandle, 0, *count)
	for i := 0; i < *count; i++ {
		path := fmt.Sprintf("bulk-demo/doc-%d", i)
		h, err := engine.Set(path, value.Map(map[string]*value.Value{
			"index": value.Int64(int64(i)),
		}))
		if err != nil {
			log.Printf("submit %s: %v", path, err)
			continue
		}
		handles = append(handles, h)
	}

	if err := engine.Flush(ctx); err != nil {
		log.Printf("flush: %v", err)
		return 1
	}
	ok := 0
	for _, h := range handles {
		if _, err := h.Wait(ctx); err == nil {
			ok++
		}
	}
	log.Printf("bulk-demo: %d/%d writes resolved successfully", ok, len(handles))
	if err := engine.Close(ctx); err != nil {
		log.Printf("close: %v", err)
		return 1
	}
	return 0
}

func runTxDemo(args []string) int {
	fs := flag.NewFlagSet("tx-demo", flag.ExitOnError)
	sf := bindShared(fs)
	docPath := fs.String("doc", "tx-demo/counter", "document path to read and increment")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(sf.configPath)
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}
	store, err := newStore(sf)
	if err != nil {
		log.Printf("store: %v", err)
		return 1
	}
	defer store.Close()

	runner := txn.New(store, txn.Config{
		Database:    sf.database,
		MaxAttempts: cfg.Transaction.MaxAttempts,
		Backoff:     toBackoffConfig(cfg.Backoff),
	})

	ctx, cancel := demoContext()
	defer cancel()

	result, err := runner.Run(ctx, func(ctx context.Context, h *txn.Handle) error {
		doc, err := h.Get(*docPath)
		if err != nil {
			return err
		}
		var current int64
		if doc != nil && doc.Fields != nil && doc.Fields.Map["count"] != nil {
			current = doc.Fields.Map["count"].Int64
		}
		if err := h.Set(*docPath, value.Map(map[string]*value.Value{
			"count": value.Int64(current + 1),
		})); err != nil {
			return err
		}
		h.Done(current + 1)
		return nil
	})
	if err != nil {
		log.Printf("tx-demo: %v", err)
		return 1
	}
	log.Printf("tx-demo: counter at %s now %v", *docPath, result)
	return 0
}

func runQueryDemo(args []string) int {
	fs := flag.NewFlagSet("query-demo", flag.ExitOnError)
	sf := bindShared(fs)
	collection := fs.String("collection", "bulk-demo", "collection path to stream")
	limit := fs.Int("limit", 0, "maximum documents to emit (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, err := newStore(sf)
	if err != nil {
		log.Printf("store: %v", err)
		return 1
	}
	defer store.Close()

	ex := querystream.New(store, querystream.Config{Database: sf.database})
	ctx, cancel := demoContext()
	defer cancel()

	n := 0
	err = ex.Run(ctx, querystream.Request{
		Query: rpc.QueryDescriptor{CollectionPath: *collection, Limit: *limit},
	}, func(item querystream.Item) error {
		if item.Document != nil {
			n++
			log.Printf("query-demo: %s", item.Document.Path)
		}
		return nil
	})
	if err != nil {
		log.Printf("query-demo: %v", err)
		return 1
	}
	log.Printf("query-demo: streamed %d documents", n)
	return 0
}

func toBackoffConfig(c config.BackoffConfig) backoff.Config {
	return backoff.Config{
		InitialDelay: time.Duration(c.InitialDelayMS) * time.Millisecond,
		Factor:       c.Factor,
		MaxDelay:     time.Duration(c.MaxDelayMS) * time.Millisecond,
		Jitter:       c.Jitter,
		MaxAttempts:  c.MaxAttempts,
	}
}
