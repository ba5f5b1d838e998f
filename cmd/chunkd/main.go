package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chunkflow.ai/internal/logging"
	"chunkflow.ai/internal/persistence/blobstore"
	journal "chunkflow.ai/internal/persistence/log"
	"chunkflow.ai/internal/persistence/poi"
	"chunkflow.ai/internal/sim/lifecycle"
	"chunkflow.ai/internal/sim/sched"
	"chunkflow.ai/internal/sim/terrain"
	"chunkflow.ai/internal/sim/tuning"
	"chunkflow.ai/internal/transport/ops"
)

func main() {
	var (
		configPath = flag.String("config", "configs/chunkflow.yaml", "tuning file (.yaml or .toml)")
		listen     = flag.String("listen", "", "ops listen address (overrides ops.listen)")
		viewers    = flag.Int("viewers", -1, "simulated viewers (overrides sim.viewers)")
		backend    = flag.String("storage", "", "storage backend: file|sqlite|postgres|s3|memory (overrides storage.backend)")
	)
	flag.Parse()

	tune, err := tuning.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listen) != "" {
		tune.Ops.Listen = *listen
	}
	if *viewers >= 0 {
		tune.Sim.Viewers = *viewers
	}
	if strings.TrimSpace(*backend) != "" {
		tune.Storage.Backend = *backend
	}

	logger := logging.Must(tune.Logging)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, tune, logger); err != nil {
		logger.Error("chunkd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func coordinatorConfig(t tuning.Tuning) lifecycle.Config {
	return lifecycle.Config{
		MaxLevel:   t.Levels.MaxLevel,
		TickRateHz: t.TickRateHz,
		Scheduler: sched.Config{
			GenerationWorkers: t.Scheduler.GenerationWorkers,
			LightWorkers:      t.Scheduler.LightWorkers,
			IOWorkers:         t.Scheduler.IOWorkers,
		},
		OwnerTasksPerTick: t.Scheduler.OwnerTasksPerTick,
		DrainPerTick:      t.Unload.DrainPerTick,
		HighWater:         t.Unload.HighWater,
		Overflow:          t.Unload.Overflow,
		DelayUnloadTicks:  t.Unload.DelayUnloadTicks,
		AutosavePeriod:    t.Autosave.PeriodTicks,
		AutosaveBudget:    t.Autosave.PerTickBudget,
		POIUnloadDelay:    t.POI.UnloadDelayTicks,
	}
}

func run(ctx context.Context, tune tuning.Tuning, logger *zap.Logger) error {
	backend, err := blobstore.Open(ctx, tune.Storage, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	gw := blobstore.NewGateway(backend, logger)

	idx, err := poi.Open(tune.POI.Path, logger)
	if err != nil {
		_ = gw.Close()
		return fmt.Errorf("open poi index: %w", err)
	}

	deps := lifecycle.Deps{
		Store:     gw,
		POI:       idx,
		Generator: terrain.New(tune.Terrain),
	}
	if dir := strings.TrimSpace(tune.Journal.Dir); dir != "" {
		deps.Journal = journal.NewJournal(dir)
	}

	coord := lifecycle.New(coordinatorConfig(tune), deps, logger)
	hub := ops.NewHub()
	coord.Observe(hub.Observe)
	coord.Start(ctx)

	logger.Info("chunkd starting",
		zap.String("storage", tune.Storage.Backend),
		zap.Int("tick_rate_hz", tune.TickRateHz),
		zap.Int("max_level", tune.Levels.MaxLevel),
		zap.Int64("seed", tune.Terrain.Seed),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if addr := strings.TrimSpace(tune.Ops.Listen); addr != "" {
		srv := &http.Server{
			Addr: addr,
			Handler: ops.NewServer(coord, hub, ops.Options{
				POI:        idx,
				StoreStats: gw.Stats,
				LocalOnly:  true,
			}, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			<-gctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
			return nil
		})
		g.Go(func() error {
			logger.Info("ops listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	if tune.Sim.Viewers > 0 {
		w := newWalker(tune.Terrain.Seed, tune.Sim)
		interval := walkInterval(tune.TickRateHz, tune.Sim.WalkEveryTicks)
		g.Go(func() error {
			return runViewers(gctx, coord, w, interval, logger)
		})
	}

	runErr := g.Wait()
	coord.Stop()

	// Run has returned, so this goroutine is the owner for Close.
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelClose()
	if err := coord.Close(closeCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close: %w", err))
	}
	st := coord.Stats()
	logger.Info("chunkd stopped",
		zap.Int64("tick", st.Tick),
		zap.Int64("saved", st.Saved),
		zap.Int64("generated", st.Generated),
	)
	return runErr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		<-ch
		os.Exit(1)
	}()
	return ctx, cancel
}
