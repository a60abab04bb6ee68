// Command scorecore runs the score revision service.
//
// Usage:
//
//	scorecore [--config path] [serve]
//	scorecore [--config path] backfill --work <workId>
//	scorecore version
//
// serve starts the HTTP API, the WebSocket progress channel and the
// derivative pipeline workers. backfill enqueues pipeline jobs for every
// revision of a work whose derivative slots are incomplete, drains them
// in-process and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ourtextscores/scorecore/cmd/scorecore/handlers"
	"github.com/ourtextscores/scorecore/internal/approval"
	"github.com/ourtextscores/scorecore/internal/branch"
	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/convert"
	"github.com/ourtextscores/scorecore/internal/db"
	"github.com/ourtextscores/scorecore/internal/diff"
	"github.com/ourtextscores/scorecore/internal/events"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/pipeline"
	"github.com/ourtextscores/scorecore/internal/revision"
	"github.com/ourtextscores/scorecore/internal/storage"
	"github.com/ourtextscores/scorecore/internal/vcs"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var configPath string
	var workID string

	flagSet := pflag.NewFlagSet("scorecore", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVar(&configPath, "config", os.Getenv("SCORECORE_CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&workID, "work", "", "work to backfill (backfill only)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return nil
	}

	command := "serve"
	if rest := flagSet.Args(); len(rest) > 0 {
		command = rest[0]
		if len(rest) > 1 {
			return fmt.Errorf("unexpected argument: %s", rest[1])
		}
	}

	switch command {
	case "version":
		fmt.Fprintf(stdout, "scorecore v%s\n", Version)
		return nil
	case "serve", "backfill":
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(cfg.Log.Level), Pretty: cfg.Log.Pretty})

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if command == "backfill" {
		if workID == "" {
			return fmt.Errorf("backfill requires --work")
		}
		return app.backfill(ctx, workID, stdout)
	}
	return app.serve(ctx)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `scorecore: branch-aware score revision service.

Usage:
  scorecore [flags] [serve]
  scorecore [flags] backfill --work <workId>
  scorecore version

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	conn    *db.DB
	hub     *events.Hub
	pool    *pipeline.Pool
	router  http.Handler
	commits *revision.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	conn, err := db.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(conn.DB)

	blobs, err := storage.New(cfg.Storage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	engine, err := vcs.New(cfg.Engine)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m := metrics.New()
	hub := events.NewHub(cfg.Server.AllowedOrigins)
	runner := convert.NewRunner(cfg.Converters.Timeout, "")

	proc := pipeline.NewProcessor(repo, blobs, runner, cfg, hub, m)
	pool := pipeline.NewPool(repo, proc, cfg.Pipeline, hub, m)

	branches := branch.NewManager(repo)
	commits := revision.New(repo, blobs, engine, branches, cfg, pool, hub, m)
	approvals := approval.NewQueue(repo, blobs, commits, hub, m)
	diffs := diff.NewService(repo, blobs, engine, runner, cfg.Converters.VisualDiff, cfg.Diff)

	router := handlers.NewRouter(handlers.API{
		Branches:  handlers.NewBranchHandler(branches),
		Revisions: handlers.NewRevisionHandler(commits, cfg.Upload.MaxBytes),
		Diffs:     handlers.NewDiffHandler(diffs),
		Approvals: handlers.NewApprovalHandler(approvals),
		Events:    hub,
		Health: func(r *http.Request) error {
			return conn.PingContext(r.Context())
		},
	}, m)

	return &app{
		cfg:     cfg,
		conn:    conn,
		hub:     hub,
		pool:    pool,
		router:  router,
		commits: commits,
	}, nil
}

func (a *app) close() {
	a.hub.Close()
	if err := a.conn.Close(); err != nil {
		logging.Error("closing database", err)
	}
}

func (a *app) serve(ctx context.Context) error {
	log := logging.Get().With("server")

	a.pool.Start(ctx)
	defer a.pool.Stop()

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.router,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]interface{}{"addr": a.cfg.Server.Addr, "version": Version})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", map[string]interface{}{"timeout": a.cfg.Server.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *app) backfill(ctx context.Context, workID string, stdout io.Writer) error {
	queued, err := a.commits.Backfill(ctx, workID)
	if err != nil {
		return err
	}
	ran, err := a.pool.Drain(ctx)
	if err != nil {
		return err
	}
	stats := a.pool.Stats()
	fmt.Fprintf(stdout, "queued %d, ran %d, failed %d\n", queued, ran, stats.Failed)
	return nil
}
