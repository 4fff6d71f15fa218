package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"ralphd/internal/agent"
	"ralphd/internal/checkpoint"
	"ralphd/internal/config"
	"ralphd/internal/control"
	"ralphd/internal/events"
	"ralphd/internal/profile"
	"ralphd/internal/scheduler"
	"ralphd/internal/slot"
	"ralphd/internal/store"
	"ralphd/internal/telemetry"
)

// app holds what every subcommand shares once open has run.
type app struct {
	configPath string
	dbPath     string
	out        io.Writer
	errOut     io.Writer

	// feed, when set, receives every event for the monitor. The monitor
	// owns the terminal, so logs then go to a file beside the database.
	feed    chan events.Event
	logFile *os.File

	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	telemetry *telemetry.Provider
	registry  *profile.Registry
	emitter   events.Emitter
	slots     *slot.Manager
	control   *control.Machine
	engine    *checkpoint.Engine
}

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// open loads configuration and builds the shared components.
func (a *app) open(ctx context.Context) error {
	path, explicit := a.configPath, a.configPath != ""
	if !explicit {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	a.cfg = cfg

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	logOut := a.errOut
	if a.feed != nil {
		f, err := os.OpenFile(filepath.Join(filepath.Dir(cfg.DBPath), "ralphd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		a.logFile, logOut = f, f
	}
	if a.logger, err = cfg.NewLogger(logOut); err != nil {
		return err
	}

	if a.registry, err = profile.Load(cfg.ProfilesFile); err != nil {
		return err
	}
	caps, err := cfg.SlotCapacities()
	if err != nil {
		return err
	}

	if a.store, err = store.Open(ctx, cfg.DBPath); err != nil {
		return err
	}
	if a.telemetry, err = telemetry.Setup(ctx, "ralphd"); err != nil {
		a.logger.Warn("tracing disabled", "error", err)
	}

	emitters := []events.Emitter{&events.LogEmitter{Logger: a.logger.With("component", "events")}}
	if a.feed != nil {
		emitters = append(emitters, &events.ChanEmitter{Ch: a.feed})
	}
	a.emitter = events.NewMulti(emitters...)

	a.slots = slot.NewManager(a.store,
		slot.WithDefaults(caps),
		slot.WithEmitter(a.emitter),
		slot.WithLogger(a.logger))
	a.control = control.NewMachine(a.store,
		control.WithEmitter(a.emitter),
		control.WithLogger(a.logger))
	a.engine = checkpoint.NewEngine(a.store, a.control,
		checkpoint.WithEmitter(a.emitter),
		checkpoint.WithLogger(a.logger),
		checkpoint.WithPollInterval(cfg.PollInterval))
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("flushing traces", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// with runs fn between open and close.
func (a *app) with(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := a.open(ctx); err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx)
}

// newService builds the execution service. progress receives loop output;
// stream, when non-nil, receives the agent's raw output.
func (a *app) newService(progress, stream io.Writer) (*scheduler.Service, error) {
	opts := []agent.Option{agent.WithLogger(a.logger)}
	if stream != nil {
		opts = append(opts, agent.WithLiveOutput(stream))
	}
	return scheduler.New(scheduler.Deps{
		Store:        a.store,
		Slots:        a.slots,
		Resolver:     profile.NewResolver(a.registry),
		Control:      a.control,
		Checkpoints:  a.engine,
		Agent:        agent.New(a.cfg.Agent, opts...),
		Emitter:      a.emitter,
		Tracer:       a.telemetry.Tracer("ralphd"),
		Logger:       a.logger,
		Output:       progress,
		PollInterval: a.cfg.PollInterval,
		LeaseTTL:     a.cfg.LeaseTTL,
	})
}
