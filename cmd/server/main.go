package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyagg/pkg/aggregate"
	"github.com/nicktill/tinyagg/pkg/binlog"
	"github.com/nicktill/tinyagg/pkg/binlog/filelog"
	"github.com/nicktill/tinyagg/pkg/binlog/memlog"
	"github.com/nicktill/tinyagg/pkg/config"
	"github.com/nicktill/tinyagg/pkg/httpx"
	"github.com/nicktill/tinyagg/pkg/row"
	"github.com/nicktill/tinyagg/pkg/schema"
	"github.com/nicktill/tinyagg/pkg/store"
	badgerstore "github.com/nicktill/tinyagg/pkg/store/badger"
	"github.com/nicktill/tinyagg/pkg/stream"
)

var startTime = time.Now()

// getEnvInt64 gets an int64 from environment variable or returns default
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// server bundles everything main's HTTP handlers need: the configured
// aggregators, the base table's write path, and the flush-event hub.
type server struct {
	baseTable      store.Table
	baseReplicator *filelog.Replicator
	baseOffset     atomic.Uint64
	aggregators    map[string]*aggregate.Aggregator
	hub            *stream.Hub
	storage        *storageMonitor
}

type rowRequest struct {
	Key   string  `json:"key"`
	TS    int64   `json:"ts"`
	Value float64 `json:"value"`
	Tag   string  `json:"tag,omitempty"`
}

func (s *server) handleRows(w http.ResponseWriter, r *http.Request) {
	var req rowRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Key == "" {
		httpx.RespondError(w, http.StatusBadRequest, "key is required")
		return
	}

	b := row.NewBuilder(config.BaseRowSchema())
	b.PutInt64(req.TS)
	b.PutFloat64(req.Value)
	if req.Tag == "" {
		b.PutNull()
	} else {
		b.PutString([]byte(req.Tag))
	}
	encoded := b.Build()

	offset := s.baseOffset.Add(1)
	dims := []store.Dimension{{Idx: 0, Key: req.Key}}

	if err := s.baseTable.Put(r.Context(), req.TS, encoded, dims); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, "base table put failed: "+err.Error())
		return
	}
	entry := binlog.LogEntry{LogIndex: offset, Dimensions: dims, Value: encoded}
	if err := s.baseReplicator.AppendEntry(r.Context(), entry); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, "binlog append failed: "+err.Error())
		return
	}

	for name, a := range s.aggregators {
		if _, err := a.Update(r.Context(), req.Key, encoded, offset, false); err != nil {
			log.Printf("⚠️  aggregate %q: Update failed: %v", name, err)
		}
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "offset": offset})
}

func (s *server) handleWindows(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("aggregate")
	key := r.URL.Query().Get("key")
	if name == "" || key == "" {
		httpx.RespondError(w, http.StatusBadRequest, "aggregate and key are required")
		return
	}
	a, ok := s.aggregators[name]
	if !ok {
		httpx.RespondError(w, http.StatusNotFound, "unknown aggregate: "+name)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	points, err := a.Windows(key, limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"aggregate": name, "key": key, "windows": points})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]string, len(s.aggregators))
	for name, a := range s.aggregators {
		statuses[name] = a.GetStat().String()
	}
	resp := map[string]interface{}{
		"status":      "healthy",
		"uptime":      time.Since(startTime).String(),
		"aggregators": statuses,
	}
	if s.storage != nil {
		if usage, err := s.storage.usage(); err != nil {
			log.Printf("⚠️  storage usage check failed: %v", err)
		} else {
			resp["storage"] = usage
		}
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func main() {
	log.Println("🚀 Starting tinyagg aggregation server...")

	maxMemoryMB := getEnvInt64("TINYAGG_MAX_MEMORY_MB", config.DefaultMaxMemoryMB)
	dataDir := "./data/tinyagg"
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	log.Printf("📁 Data directory: %s (memory limit %d MB)", dataDir, maxMemoryMB)

	log.Println("💾 Initializing BadgerDB storage...")
	db, err := badgerstore.Open(badgerstore.Config{
		Path:        filepath.Join(dataDir, "badger"),
		MaxMemoryMB: maxMemoryMB,
	})
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer db.Close()
	baseTable := badgerstore.NewTable(db, config.BasePrefix)
	log.Println("✅ BadgerDB storage initialized successfully")

	log.Println("📝 Opening base write-ahead log...")
	baseReplicator, err := filelog.Open(filepath.Join(dataDir, "binlog"))
	if err != nil {
		log.Fatalf("❌ Failed to open binlog: %v", err)
	}
	defer baseReplicator.Close()

	hub := stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("📡 WebSocket flush-event hub started")

	specs := config.DefaultAggregates()
	aggregators := make(map[string]*aggregate.Aggregator, len(specs))
	for i, spec := range specs {
		aggrTable := badgerstore.NewTable(db, config.AggrTablePrefix(i))
		a, err := aggregate.New(aggregate.Config{
			BaseMeta:       config.BaseRowSchema(),
			AggrMeta:       schema.AggregateTableMeta(),
			AggrTable:      aggrTable,
			AggrReplicator: memlog.New(),
			IndexPos:       0,
			AggrFunc:       spec.AggrFunc,
			AggrCol:        spec.AggrCol,
			TSCol:          "ts",
			BucketSize:     spec.BucketSize,
			FilterCol:      spec.FilterCol,
			OnFlush: func(bucketKey string, buf aggregate.AggrBuffer) {
				hub.Broadcast(stream.FlushEvent{
					Aggregate: spec.Name,
					BucketKey: bucketKey,
					TsBegin:   buf.TsBegin,
					TsEnd:     buf.TsEnd,
					AggrCnt:   buf.AggrCnt,
				})
			},
		})
		if err != nil {
			log.Fatalf("❌ Failed to configure aggregate %q: %v", spec.Name, err)
		}
		aggregators[spec.Name] = a
	}
	log.Printf("⚙️  Configured %d aggregate(s)", len(aggregators))

	// Each aggregate's Init replays the base log independently; bound how
	// many run their recovery scan at once rather than firing all of them
	// unbounded against the same binlog directory.
	log.Println("🔄 Running recovery for each aggregate...")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for name, a := range aggregators {
		name, a := name, a
		g.Go(func() error {
			if ok, err := a.Init(gctx, baseReplicator); err != nil || !ok {
				return fmt.Errorf("aggregate %q: %w", name, err)
			}
			log.Printf("✅ Aggregate %q recovered (status=%s)", name, a.GetStat())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("❌ Recovery failed: %v", err)
	}

	srv := &server{
		baseTable:      baseTable,
		baseReplicator: baseReplicator,
		aggregators:    aggregators,
		hub:            hub,
		storage:        newStorageMonitor(dataDir, config.DefaultMaxStorageGB<<30),
	}

	stopFlush := make(chan struct{})
	wg.Add(1)
	go runFlushAllTicker(srv, stopFlush, &wg)

	stopGC := make(chan struct{})
	wg.Add(1)
	go runBadgerGCTicker(db, stopGC, &wg)

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/rows", srv.handleRows).Methods("POST")
	api.HandleFunc("/windows", srv.handleWindows).Methods("GET")
	api.HandleFunc("/health", srv.handleHealth).Methods("GET")
	api.HandleFunc("/ws", hub.ServeWS).Methods("GET")

	httpServer := &http.Server{
		Addr:         ":" + config.DefaultPort,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server starting on http://localhost:%s", config.DefaultPort)
		log.Println("📡 API endpoints:")
		log.Println("   POST /v1/rows     - append a row")
		log.Println("   GET  /v1/windows  - query pre-aggregated windows")
		log.Println("   GET  /v1/health   - per-aggregate recovery status")
		log.Println("✅ Server ready to accept requests")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")
	cancel()
	close(stopFlush)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	for name, a := range aggregators {
		if err := a.FlushAll(context.Background()); err != nil {
			log.Printf("⚠️  Final flush failed for aggregate %q: %v", name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 tinyagg server exited cleanly")
}

// runFlushAllTicker periodically flushes every live bucket across every
// configured aggregate on a ticker-with-stop-channel shape.
func runFlushAllTicker(s *server, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(config.FlushAllInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for name, a := range s.aggregators {
				if err := a.FlushAll(context.Background()); err != nil {
					log.Printf("❌ FlushAll failed for aggregate %q: %v", name, err)
				}
			}
		case <-stop:
			log.Println("🛑 Stopping FlushAll scheduler")
			return
		}
	}
}

// runBadgerGCTicker periodically reclaims badger value-log space. Left
// unrun, every flush and every binlog replay leaves old row versions behind
// in the value log, and disk usage grows without bound regardless of how
// small the live dataset actually is.
func runBadgerGCTicker(db *badgerdb.DB, stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// One pass per tick rather than looping to exhaustion, so a data
			// directory with a lot of reclaimable space can't make this
			// ticker fall behind its own interval.
			if err := badgerstore.RunGC(db, config.BadgerGCDiscardRatio); err != nil {
				log.Printf("🗑️  Badger value-log GC: no rewrite needed (%v)", err)
			} else {
				log.Println("✅ Badger value-log GC reclaimed disk space")
			}
		case <-stop:
			log.Println("🛑 Stopping badger GC scheduler")
			return
		}
	}
}
