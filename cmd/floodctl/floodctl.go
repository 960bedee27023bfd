package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iotbench/floodctl/internal/attack"
	"github.com/iotbench/floodctl/internal/bus"
	"github.com/iotbench/floodctl/internal/log"
	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/sched"
	"github.com/iotbench/floodctl/internal/store"
)

func openStore(ctx context.Context) (store.Store, error) {
	if config.DB == "" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(config.DB), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return store.OpenSQLite(ctx, config.DB)
}

// doRun starts the scheduler daemon. It drains gracefully on SIGINT and
// SIGTERM: running jobs are stopped and their captures finalized.
func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.Attrs(ctx,
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	b := bus.New()
	s, err := sched.New(ctx, config, st, b)
	if err != nil {
		return err
	}

	events, unsubscribe := s.Events("")
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer b.Close()
		return s.Run(gctx)
	})
	g.Go(func() error {
		// Mirror the job event stream onto the daemon log.
		for ev := range events {
			slog.LogAttrs(gctx, ev.Level, ev.Message,
				slog.String("job_id", ev.JobID),
				slog.Any("fields", ev.Fields),
			)
		}
		return nil
	})
	return g.Wait()
}

// doOnce submits one experiment, follows its event stream and exits with
// its terminal result.
func doOnce(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.Attrs(ctx,
		slog.String("cmd", "once"),
		slog.Int("pid", os.Getpid()),
	)

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	b := bus.New()
	s, err := sched.New(ctx, config, st, b)
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(runCtx)
	})

	jobID, err := s.Submit(ctx, model.JobKind(flagKind), flagTarget, flagDuration)
	if err != nil {
		stopRun()
		_ = g.Wait()
		return err
	}

	events, unsubscribe := s.Events(jobID)
	defer unsubscribe()

	// Forward the stop signal; the scheduler turns it into a clean stop
	// with a finalized capture.
	go func() {
		<-ctx.Done()
		if serr := s.RequestStop(context.WithoutCancel(ctx), jobID); serr != nil &&
			!errors.Is(serr, model.ErrInvalidState) {
			slog.Error("stopping job", "job_id", jobID, "error", serr)
		}
	}()

	for ev := range events {
		slog.LogAttrs(ctx, ev.Level, ev.Message,
			slog.String("job_id", ev.JobID),
			slog.Any("fields", ev.Fields),
		)
	}

	bg := context.WithoutCancel(ctx)
	job, err := s.Status(bg, jobID)
	if err != nil {
		stopRun()
		_ = g.Wait()
		return err
	}

	if rec, cerr := s.CaptureInfo(bg, jobID); cerr == nil {
		fmt.Printf("capture: %s (%d bytes, finalized=%t)\n", rec.FilePath, rec.ByteSize, rec.Finalized)
	}
	fmt.Printf("job %s: %s\n", jobID, job.Status)

	stopRun()
	if werr := g.Wait(); werr != nil {
		return werr
	}
	if job.Status == model.StatusFailed {
		return fmt.Errorf("job failed: %s", job.Err)
	}
	return nil
}

func doKinds(_ *cobra.Command, _ []string) {
	for _, k := range attack.Kinds() {
		fmt.Println(k)
	}
}
