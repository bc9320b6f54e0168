package app

import (
	"context"
	"strings"
	"time"

	"relaybot/internal/config"
	logx "relaybot/pkg/logx"
)

const (
	jobSweep      = "forward:sweep"
	jobMediaPrune = "media:prune"
	jobSeenReset  = "dispatch:reset"
)

// applyMaintenance (re)registers the app's own scheduled jobs. A job whose
// setting is empty is removed.
func (a *App) applyMaintenance(cfg *config.Config) error {
	every, err := config.ParseDurationOrDefault("scheduler.sweep_every", cfg.Scheduler.SweepEvery, defaultSweepEvery)
	if err != nil {
		return err
	}
	if err := a.sched.Add(jobSweep, every.String(), 0, func(ctx context.Context) error {
		if n := a.engine.Sweep(); n > 0 {
			a.log.Debug("pending routes expired", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return err
	}

	retention, err := config.ParseDurationField("media.retention", cfg.Media.Retention)
	if err != nil {
		return err
	}
	if retention > 0 {
		pruneEvery := retention / 4
		if pruneEvery < time.Minute {
			pruneEvery = time.Minute
		}
		if err := a.sched.Add(jobMediaPrune, pruneEvery.String(), 0, func(ctx context.Context) error {
			n, err := a.cache.Prune(retention)
			if n > 0 {
				a.log.Info("media cache pruned", logx.Int("files", n), logx.Duration("retention", retention))
			}
			return err
		}); err != nil {
			return err
		}
	} else {
		a.sched.Remove(jobMediaPrune)
	}

	if spec := strings.TrimSpace(cfg.Dispatch.ResetEvery); spec != "" {
		if err := a.sched.Add(jobSeenReset, spec, 0, func(ctx context.Context) error {
			st := a.coord.Stats()
			a.coord.Reset()
			a.log.Info("dispatch state reset", logx.Int("seen", st.Seen), logx.Int("claimed", st.Claimed))
			return nil
		}); err != nil {
			return err
		}
	} else {
		a.sched.Remove(jobSeenReset)
	}
	return nil
}
