package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/iotbench/floodctl/internal/model"
)

// startTimer wires the recurring submission mode. Returns nil when the
// config has no timer section.
func (s *Scheduler) startTimer(ctx context.Context) (gocron.Scheduler, error) {
	cfg := s.cfg.Timer
	if cfg == nil {
		return nil, nil
	}

	var def gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing timer.cron: %w", err)
		}
		def = gocron.CronJob(cfg.Cron, false)
	case cfg.Every != "":
		d, err := model.ParseLabDuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing timer.every: %w", err)
		}
		def = gocron.DurationJob(d)
	default:
		return nil, errors.New("timer: both cron and every are empty")
	}

	timer, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = timer.NewJob(
		def,
		gocron.NewTask(func() {
			s.submitConfigured(ctx, cfg.Experiments)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}

	timer.Start()
	slog.InfoContext(ctx, "submission timer started",
		"cron", cfg.Cron, "every", cfg.Every, "experiments", len(cfg.Experiments))
	return timer, nil
}

func (s *Scheduler) submitConfigured(ctx context.Context, experiments []model.Experiment) {
	for _, e := range experiments {
		id, err := s.Submit(ctx, e.Kind, e.Target, e.Duration)
		if err != nil {
			slog.ErrorContext(ctx, "timed submission rejected",
				"kind", e.Kind, "target", e.Target, "error", err)
			continue
		}
		slog.DebugContext(ctx, "timed submission accepted", "job_id", id)
	}
}
