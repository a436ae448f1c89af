package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/internal/config"
	"github.com/e7canasta/dvs-fusion/sink"
	"github.com/e7canasta/dvs-fusion/sink/cvsink"
)

const statsInterval = 10 * time.Second

// HighGUI must run on the main thread
func init() {
	runtime.LockOSThread()
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	synthetic := flag.Bool("synthetic", false, "Use the synthetic source instead of the device")
	units := flag.Uint64("units", 0, "Stop after N transfer units (0 = unbounded)")
	replay := flag.String("replay", "", "Play a frame recording through the configured sinks instead of capturing")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if *debug {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting dvscapture",
		"config", *configPath,
		"debug", *debug,
		"synthetic", *synthetic,
		"units", *units,
		"replay", *replay,
	)

	if err := run(*configPath, *synthetic, *units, *replay); err != nil {
		slog.Error("dvscapture failed",
			"error", err,
			"category", capture.Classify(err).String(),
		)
		os.Exit(1)
	}

	slog.Info("dvscapture stopped successfully")
}

func run(configPath string, synthetic bool, units uint64, replay string) error {
	cfg, err := loadConfig(configPath, synthetic || replay != "")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if replay != "" {
		return runReplay(ctx, cfg, replay, sigChan)
	}

	src, err := openSource(cfg, synthetic, units)
	if err != nil {
		return err
	}

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		src.Close()
		return err
	}
	defer sinks.close()

	var popts []capture.Option
	for i := 0; i < cfg.Pipeline.Pollers; i++ {
		popts = append(popts, capture.WithPoller(cfg.PollInterval(), sinks.pollSink()))
	}

	p, err := capture.New(cfg.Capture(), src, sinks.mainSink(), popts...)
	if err != nil {
		src.Close()
		return err
	}
	if sinks.mqtt != nil {
		sinks.mqtt.SetSessionID(p.SessionID())
	}

	if err := p.Start(ctx); err != nil {
		return err
	}

	go logStats(ctx, p)

	awaitEnd(ctx, sinks.window, sigChan, p.Done())

	// Graceful shutdown
	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	stopped := make(chan error, 1)
	go func() {
		stopped <- p.Stop()
	}()

	var runErr error
	select {
	case runErr = <-stopped:
	case <-time.After(timeout):
		return fmt.Errorf("pipeline did not stop within %v", timeout)
	}

	st := p.Stats()
	slog.Info("capture session finished",
		"session_id", st.SessionID,
		"units_read", st.UnitsRead,
		"frames_completed", st.FramesCompleted,
		"frames_delivered", st.FramesDelivered,
		"frames_dropped", st.FramesDropped,
		"sink_errors", st.SinkErrors,
		"sequence_gaps", st.SequenceGaps,
		"uptime", st.Uptime,
	)

	return runErr
}

// awaitEnd blocks until a signal, done, or the user quitting the display.
// The display owns the main goroutine while it is open.
func awaitEnd(ctx context.Context, window *cvsink.Window, sigChan <-chan os.Signal, done <-chan struct{}) {
	if window == nil {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
		case <-done:
		}
		return
	}

	winCtx, winCancel := context.WithCancel(ctx)
	defer winCancel()
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
		case <-done:
		case <-winCtx.Done():
		}
		winCancel()
	}()

	if err := window.Run(winCtx); err != nil && !errors.Is(err, cvsink.ErrWindowClosed) {
		slog.Warn("display window failed", "error", err)
	}
}

// runReplay plays a frame recording through the configured sinks at the
// display rate.
func runReplay(ctx context.Context, cfg *config.Config, path string, sigChan <-chan os.Signal) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open recording: %v", capture.ErrIO, err)
	}
	defer f.Close()

	// Never record over the input
	cfg.Sinks.Record.Path = ""

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer sinks.close()

	slog.Info("replaying recording", "path", path, "fps", cfg.Rates.Display)

	var (
		frames    int
		replayErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		frames, replayErr = sink.ReplayPaced(ctx, f, sinks.allSinks(), cfg.Rates.Display)
	}()

	awaitEnd(ctx, sinks.window, sigChan, done)
	cancel()
	<-done

	slog.Info("replay finished", "path", path, "frames", frames)

	if errors.Is(replayErr, context.Canceled) {
		return nil
	}
	return replayErr
}

func loadConfig(path string, allowDefault bool) (*config.Config, error) {
	if path == "" {
		if !allowDefault {
			return nil, fmt.Errorf("%w: -config is required unless -synthetic or -replay is set", capture.ErrConfig)
		}
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrConfig, err)
	}
	return cfg, nil
}

// limitedDevice stops a device source after a number of bytes (-units).
type limitedDevice struct {
	io.Reader
	io.Closer
}

func openSource(cfg *config.Config, synthetic bool, units uint64) (capture.Source, error) {
	if synthetic {
		pattern := capture.IdlePattern
		if cfg.Source.Synthetic.Pattern != "idle" {
			pattern = capture.MovingBarPattern(cfg.Sensor.Width, cfg.Sensor.Height)
		}

		rate := 0
		if cfg.Source.Synthetic.Paced {
			rate = cfg.Rates.Capture
		}

		return capture.NewSyntheticSource(capture.SyntheticConfig{
			Width:         cfg.Sensor.Width,
			Height:        cfg.Sensor.Height,
			Units:         units,
			Rate:          rate,
			FirstSeq:      1,
			TimestampStep: uint32(1_000_000 / cfg.Rates.Capture),
			Pattern:       pattern,
		})
	}

	if cfg.Source.Device == "" {
		return nil, fmt.Errorf("%w: source.device is required", capture.ErrConfig)
	}

	dev, err := capture.OpenDevice(cfg.Source.Device)
	if err != nil {
		return nil, err
	}
	if units == 0 {
		return dev, nil
	}

	limit := int64(units) * int64(capture.UnitSize(cfg.Sensor.Width, cfg.Sensor.Height))
	return capture.NewReaderSource(limitedDevice{Reader: io.LimitReader(dev, limit), Closer: dev}), nil
}
