package main

import (
	"context"

	"gridengine/internal/core"
	"gridengine/internal/supervisor"
)

// supervisorRunner resumes every persisted, non-terminal bot at startup and
// tears every active bot down when its context is canceled.
type supervisorRunner struct {
	sup    *supervisor.Supervisor
	store  core.IStore
	logger core.ILogger
}

func (r *supervisorRunner) Run(ctx context.Context) error {
	configs, err := r.store.ListActiveBotConfigs(ctx)
	if err != nil {
		r.logger.Error("failed to list active bot configs", "error", err.Error())
	}
	for _, cfg := range configs {
		if err := r.sup.StartBot(ctx, cfg); err != nil {
			r.logger.Error("failed to resume bot", "bot_id", cfg.ID, "error", err.Error())
		}
	}

	<-ctx.Done()
	r.logger.Info("shutting down supervisor")
	return r.sup.Shutdown(context.Background())
}
