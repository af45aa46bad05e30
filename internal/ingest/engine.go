package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/tracker"
	"github.com/dronewatch/meshmapper/internal/wire"
)

const (
	// lineBuffer decouples source readers from the merge loop during
	// short processing stalls.
	lineBuffer = 256

	minSweepInterval = time.Second
	maxSweepInterval = 15 * time.Second
)

// Engine fans all sources into a single merge loop: normalize, fold into the
// registry, publish the resulting changes. One loop means events from any
// number of receivers apply in arrival order.
type Engine struct {
	sources  []Source
	registry *tracker.Tracker
	notifier *notify.Notifier
	monitor  *health.Monitor
	logger   *slog.Logger

	sweepInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(e *Engine)

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "engine"))
	}
}

// WithSweepInterval overrides the derived stale-sweep cadence.
func WithSweepInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		e.sweepInterval = interval
	}
}

// NewEngine creates an engine over the registry with a discard logger. The
// sweep cadence is derived from the registry timeouts: a quarter of the
// shorter one, clamped so a tiny test timeout cannot spin the ticker and a
// huge purge timeout cannot delay deactivation past its deadline.
func NewEngine(registry *tracker.Tracker, notifier *notify.Notifier, monitor *health.Monitor, options ...EngineOption) *Engine {
	e := Engine{
		registry:      registry,
		notifier:      notifier,
		monitor:       monitor,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		sweepInterval: sweepInterval(registry.Config()),
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

func sweepInterval(cfg tracker.Config) time.Duration {
	interval := min(cfg.StaleTimeout, cfg.PurgeTimeout) / 4
	return max(minSweepInterval, min(interval, maxSweepInterval))
}

// AddSource registers a source. All sources must be added before Run.
func (e *Engine) AddSource(src Source) {
	e.sources = append(e.sources, src)
	e.monitor.Register(src.ID())
}

// Run starts all sources and processes their lines until ctx is cancelled.
// It returns after the merge loop has drained.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.sources) == 0 {
		return fmt.Errorf("no sources to ingest")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	startGate := make(chan struct{})
	lines := make(chan Line, lineBuffer)

	for _, src := range e.sources {
		e.wg.Add(1)
		go e.runSource(ctx, src, lines, startGate)
	}

	close(startGate) // Start the source goroutines

	// Close the lines channel once every source reader has returned, so
	// the merge loop drains whatever is already buffered before exiting.
	go func() {
		e.wg.Wait()
		close(lines)
	}()

	sweep := time.NewTicker(e.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			e.process(line)

		case now := <-sweep.C:
			for _, change := range e.registry.Sweep(now) {
				e.notifier.Publish(change)
			}
		}
	}
}

// Stop cancels the sources and waits for the engine to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) runSource(ctx context.Context, src Source, lines chan<- Line, startGate chan struct{}) {
	defer e.wg.Done()

	<-startGate

	if err := src.Run(ctx, lines); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error(err.Error(), slog.String("source", src.ID()))
		e.cancel() // signal to other goroutines about fatal
	}
}

// process normalizes one raw line and folds it into the registry. Malformed
// input is logged and dropped; it never disturbs registry state.
func (e *Engine) process(line Line) {
	event, err := wire.Normalize(line.Raw, line.SourceID)
	if err != nil {
		if errors.Is(err, wire.ErrHeartbeat) {
			e.monitor.MarkEvent(line.SourceID, time.Now())
			return
		}

		if wire.IsKind(err, wire.Incomplete) {
			// Truncated relay fragments are routine on a lossy mesh.
			e.logger.Debug(err.Error(), slog.String("source", line.SourceID))
			return
		}

		e.logger.Warn(fmt.Sprintf("error parsing message: %s", err.Error()),
			slog.String("source", line.SourceID),
			slog.String("line", string(line.Raw)))
		return
	}

	e.monitor.MarkEvent(line.SourceID, event.Timestamp)

	change, err := e.registry.Merge(event)
	if err != nil {
		if errors.Is(err, tracker.ErrNoIdentity) {
			e.logger.Debug("event without identity dropped", slog.String("source", line.SourceID))
			return
		}

		e.logger.Error(err.Error(), slog.String("source", line.SourceID))
		return
	}

	e.notifier.Publish(change)
}
