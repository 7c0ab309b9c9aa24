package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pingpong/internal/agent"
	"pingpong/internal/backend"
	"pingpong/internal/config"
	"pingpong/internal/domain"
	sqlitestore "pingpong/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.pingpong/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root override")
	modeFlag := flag.String("mode", "", "workflow mode override: sequential or parallel")
	prompt := flag.String("prompt", "", "start a workflow for this prompt on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Workflow.Addr, ":8092")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Workflow.DBPath, "data/pingpong.db")
	workspaceRoot := firstNonEmpty(*workspaceFlag, cfg.Workflow.WorkspaceRoot, "workspace")
	cfg.Workflow.Mode = firstNonEmpty(*modeFlag, cfg.Workflow.Mode)
	dbPath = filepath.Clean(dbPath)
	workspaceRoot = filepath.Clean(workspaceRoot)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		log.Fatalf("create workspace directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := newApp(ctx, cfg, store, workspaceRoot, reg, log.Default())
	a.newBackend = func(role domain.Role, workdir string) (agent.Backend, error) {
		return backend.New(backend.Config{
			Kind:            cfg.Backend.Kind,
			Binary:          cfg.Backend.Binary,
			Workdir:         firstNonEmpty(cfg.Backend.Workdir, workdir),
			Endpoint:        cfg.Backend.Endpoint,
			Model:           cfg.Model,
			ReasoningEffort: cfg.ModelReasoningEffort,
			AuthToken:       cfg.AuthToken(),
			Timeout:         durationMS(cfg.Backend.TimeoutMS, 0),
			Retries:         cfg.Backend.Retries,
			Logger:          log.New(log.Writer(), "["+string(role)+"] ", log.Flags()),
		})
	}

	if strings.TrimSpace(*prompt) != "" {
		if _, err := a.startRun(*prompt, cfg.Workflow.Mode); err != nil {
			log.Printf("startup workflow failed: %v", err)
		}
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		a.shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"pingpong started addr=%s db=%s workspace=%s mode=%s backend=%s approval=%s",
		addr,
		dbPath,
		workspaceRoot,
		cfg.Workflow.Mode,
		cfg.Backend.Kind,
		cfg.ApprovalPolicy,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
