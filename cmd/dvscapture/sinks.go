package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/dvs-fusion/capture"
	"github.com/e7canasta/dvs-fusion/internal/config"
	"github.com/e7canasta/dvs-fusion/sink"
	"github.com/e7canasta/dvs-fusion/sink/cvsink"
	"github.com/e7canasta/dvs-fusion/sink/gstsink"
)

// sinkSet owns every consumer built from the configuration. Frame
// recorders and the display go to the blocking consumers; telemetry and the
// frame log go to the pollers when there are any.
type sinkSet struct {
	main []capture.Sink
	poll []capture.Sink

	window   *cvsink.Window
	snapshot *sink.Snapshot
	recorder *sink.Recorder
	video    *cvsink.VideoFile
	gst      *gstsink.Recorder
	mqtt     *sink.MQTT

	snapshotPath string
}

func buildSinks(ctx context.Context, cfg *config.Config) (*sinkSet, error) {
	s := &sinkSet{snapshotPath: cfg.Sinks.Snapshot.Path}
	sc := cfg.Sinks

	if sc.Display.Enabled {
		s.window = cvsink.NewWindow(cvsink.WindowConfig{
			Title:       sc.Display.Title,
			Scale:       sc.Display.Scale,
			RefreshRate: cfg.Rates.Display,
		})
		s.main = append(s.main, s.window)
	}

	if sc.Snapshot.Path != "" {
		s.snapshot = sink.NewSnapshot()
		s.main = append(s.main, s.snapshot)
	}

	if sc.Record.Path != "" {
		rec, err := sink.CreateRecorder(sc.Record.Path)
		if err != nil {
			s.close()
			return nil, err
		}
		s.recorder = rec
		s.main = append(s.main, rec)
	}

	if sc.Video.Path != "" {
		vf, err := cvsink.CreateVideoFile(sc.Video.Path, sc.Video.Codec, float64(cfg.Rates.Display),
			cfg.Sensor.Width, cfg.Sensor.Height, cfg.Sensor.BytesPerPixel)
		if err != nil {
			s.close()
			return nil, err
		}
		s.video = vf
		s.main = append(s.main, vf)
	}

	if sc.GStream.Path != "" {
		gr, err := gstsink.NewRecorder(gstsink.Config{
			Path:          sc.GStream.Path,
			Width:         cfg.Sensor.Width,
			Height:        cfg.Sensor.Height,
			BytesPerPixel: cfg.Sensor.BytesPerPixel,
			FPS:           cfg.Rates.Display,
			Encoder:       sc.GStream.Encoder,
			Muxer:         sc.GStream.Muxer,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		s.gst = gr
		s.main = append(s.main, gr)
	}

	var telemetry []capture.Sink
	if sc.MQTT.Broker != "" {
		m, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:   sc.MQTT.Broker,
			ClientID: sc.MQTT.ClientID,
			Topic:    sc.MQTT.Topic,
			QoS:      byte(sc.MQTT.QoS),
			Every:    sc.MQTT.Every,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		if err := m.Connect(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.mqtt = m
		telemetry = append(telemetry, m)
	}
	if sc.LogEvery > 0 {
		telemetry = append(telemetry, sink.NewLog(nil, sc.LogEvery))
	}

	if cfg.Pipeline.Pollers > 0 {
		s.poll = telemetry
	} else {
		s.main = append(s.main, telemetry...)
	}

	if len(s.main) == 0 {
		// Keep the consumer loop busy with something observable
		s.main = append(s.main, sink.NewLog(nil, cfg.Rates.Display))
	}

	return s, nil
}

func (s *sinkSet) mainSink() capture.Sink {
	if len(s.main) == 1 {
		return s.main[0]
	}
	return sink.NewMulti(s.main...)
}

func (s *sinkSet) pollSink() capture.Sink {
	return sink.NewMulti(s.poll...)
}

// allSinks feeds every consumer from one loop (replay has no pollers).
func (s *sinkSet) allSinks() capture.Sink {
	all := append(append([]capture.Sink(nil), s.main...), s.poll...)
	return sink.NewMulti(all...)
}

// close releases sinks in reverse order of creation. The snapshot image is
// written last, from the final frame any consumer saw.
func (s *sinkSet) close() {
	defer s.writeSnapshot()

	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.gst != nil {
		if err := s.gst.Close(); err != nil {
			slog.Warn("failed to close gstreamer recording", "error", err)
		}
	}
	if s.video != nil {
		if err := s.video.Close(); err != nil {
			slog.Warn("failed to close video file", "error", err)
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			slog.Warn("failed to close frame recording", "error", err)
		}
	}
}

// logStats reports pipeline counters periodically.
func logStats(ctx context.Context, p *capture.Pipeline) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			return
		case <-ticker.C:
			st := p.Stats()
			slog.Info("capture stats",
				"units_read", st.UnitsRead,
				"frames_completed", st.FramesCompleted,
				"frames_delivered", st.FramesDelivered,
				"frames_dropped", st.FramesDropped,
				"poll_misses", st.PollMisses,
				"sink_errors", st.SinkErrors,
				"sequence_gaps", st.SequenceGaps,
				"free_buffers", st.FreeBuffers,
			)
		}
	}
}

func (s *sinkSet) writeSnapshot() {
	if s.snapshot == nil {
		return
	}
	f := s.snapshot.Latest()
	if f == nil {
		slog.Warn("no frame captured, snapshot not written", "path", s.snapshotPath)
		return
	}
	if err := cvsink.WriteImage(s.snapshotPath, f); err != nil {
		slog.Warn("failed to write snapshot", "path", s.snapshotPath, "error", err)
	}
}
