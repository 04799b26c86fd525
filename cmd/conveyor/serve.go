package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conveyor-dev/conveyor/internal/bus"
	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/internal/llm"
	"github.com/conveyor-dev/conveyor/internal/pipeline"
	"github.com/conveyor-dev/conveyor/internal/store"
	"github.com/conveyor-dev/conveyor/internal/tracker"
)

var serveEcho bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Long: `Runs the pipeline orchestrator as a long-lived process: recovers
in-flight pipelines from the work-item store, watches the project config
store for changes, and sweeps stalled stages until interrupted.

Executors attach through the message bus. With --echo, a logging executor
is registered for every project so dispatched directives are visible
without a real executor; it never reports back, so stages re-fire on the
staleness sweep.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "Register a logging executor for every project")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening work-item store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating work-item store: %w", err)
	}

	cfgStore, err := config.OpenStore(config.DefaultStorePath())
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	defer cfgStore.Close()
	if err := cfgStore.Watch(); err != nil {
		log.Printf("[serve] config hot-reload unavailable: %v", err)
	}
	resolver := config.NewResolver(cfgStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var trk tracker.Tracker = tracker.Noop{}
	if token := resolver.TrackerToken(); token != "" {
		trk = tracker.NewGitHub(ctx, token)
		log.Printf("[serve] tracker integration enabled")
	}

	b := bus.NewInProcess(64)
	if serveEcho {
		registerEchoExecutors(ctx, db, b)
	}

	var opts []pipeline.Option
	if cfg.Anthropic.APIKey != "" {
		classifier, err := llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
		if err != nil {
			return fmt.Errorf("configuring triage classifier: %w", err)
		}
		opts = append(opts, pipeline.WithTriageClassifier(classifier))
	}

	orch := pipeline.New(db, resolver, trk, b, opts...)
	defer orch.Close()

	if err := orch.RecoverAll(ctx); err != nil {
		return fmt.Errorf("recovering pipelines: %w", err)
	}
	orch.RunSweeper(ctx)

	log.Printf("[serve] conveyor serving (store: %s)", dbPath)
	<-ctx.Done()
	log.Printf("[serve] shutting down")
	return nil
}

// registerEchoExecutors attaches a directive-logging consumer for every
// known project. Useful for inspecting what the orchestrator would send.
func registerEchoExecutors(ctx context.Context, db *store.DB, b *bus.InProcess) {
	projects, err := db.ListProjects()
	if err != nil {
		log.Printf("[serve] listing projects for echo executors: %v", err)
		return
	}
	for _, p := range projects {
		inbox := b.Register(p.ID, "echo-"+p.ID)
		go func(projectID string, inbox <-chan bus.Message) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-inbox:
					log.Printf("[echo] project %s task %s stage %s:\n%s",
						projectID, msg.Meta["task"], msg.Meta["stage"], msg.Payload)
				}
			}
		}(p.ID, inbox)
	}
}
