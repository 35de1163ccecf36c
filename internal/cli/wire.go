package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/stackmill/conveyor/internal/agent"
	"github.com/stackmill/conveyor/internal/checkpoint"
	"github.com/stackmill/conveyor/internal/config"
	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/detector"
	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/notify"
	"github.com/stackmill/conveyor/internal/orchestrator"
	"github.com/stackmill/conveyor/internal/pipeline"
	"github.com/stackmill/conveyor/internal/recovery"
	"github.com/stackmill/conveyor/internal/vcs"
)

// newOrchestrator builds the full component stack over the shared database.
// The returned cleanup closes the database and must be deferred by the caller.
func newOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return newOrchestratorWith(cfg)
}

func newOrchestratorWith(cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid config: %s", errs[0].Error())
	}

	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return nil, nil, fmt.Errorf("db path: %w", err)
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	o := cfg.Orchestrator

	root := o.ProjectsRoot
	if root == "" {
		root, _ = os.Getwd()
	}
	checkpoints := checkpoint.NewManager(database, vcs.NewClient(&vcs.ExecGit{}, root))

	runtime := agent.NewHTTPRuntime(o.RuntimeURL)

	var notifier notify.Notifier = notify.Noop{}
	if o.NotifyURL != "" {
		notifier = notify.NewWebhook(o.NotifyURL, logger)
	}

	m := machine.New(database)
	det := detector.New(runtime, logger)

	severity := make(map[pipeline.FailureType]pipeline.State, len(o.Severity))
	for ft, target := range o.Severity {
		severity[pipeline.FailureType(ft)] = pipeline.State(target)
	}
	engine := recovery.NewEngine(database, m, checkpoints, runtime, notifier, recovery.Config{
		MaxRetries:    o.MaxRetries,
		BackoffBase:   o.BackoffBase.Std(),
		BackoffCap:    o.BackoffCap.Std(),
		EpisodeWindow: o.EpisodeWindow.Std(),
		Severity:      severity,
	}, logger)

	orch := orchestrator.New(database, m, det, engine, checkpoints, runtime, notifier, cfg, logger)
	return orch, func() { database.Close() }, nil
}
