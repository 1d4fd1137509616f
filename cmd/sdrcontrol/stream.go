package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/sdrcontrol/internal/level"
	"github.com/banshee-data/sdrcontrol/internal/monitoring"
	"github.com/banshee-data/sdrcontrol/internal/samplemux"
	"github.com/banshee-data/sdrcontrol/internal/stream"
)

func (a *app) streamCommand() *cobra.Command {
	var (
		duration   time.Duration
		interval   time.Duration
		bufferSize int
		outPath    string
		pngPath    string
	)
	cmd := &cobra.Command{
		Use:   "stream <serial>",
		Short: "Stream samples from a receiver and report their level",
		Long: `Stream samples from a receiver until --duration elapses or the process is
interrupted, printing the signal level every --interval. With --out the raw
interleaved 8 bit I/Q samples are written to a file ("-" for stdout).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			s, err := newStack(a.cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.find(args[0])
			if err != nil {
				return err
			}

			var out io.Writer
			report := cmd.OutOrStdout()
			switch outPath {
			case "":
			case "-":
				out = os.Stdout
				report = cmd.ErrOrStderr()
			default:
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			m := samplemux.New(d.Serial, 0, samplemux.DefaultHistory)
			defer m.Close()
			cb := m.Publish
			if out != nil {
				cb = func(buf []byte) error {
					if _, err := out.Write(buf); err != nil {
						return err
					}
					return m.Publish(buf)
				}
			}

			id, err := s.ctrl.StartStream(ctx, d, cb, bufferSize)
			if err != nil {
				return err
			}
			started := s.clock.Now()
			if sess, ok := s.ctrl.StreamSession(d); ok {
				bufferSize = sess.BufferSize
			}
			if err := s.store.RecordSessionStart(id, d.Serial, bufferSize, started); err != nil {
				monitoring.Logger().Warn("failed to record session start", zap.Error(err))
			}
			monitoring.Logger().Info("streaming", zap.String("serial", d.Serial), zap.Stringer("session", id))

			watch(ctx, report, m, interval, func() bool {
				sess, ok := s.ctrl.StreamSession(d)
				return ok && sess.State != stream.Stopping.String()
			})

			sess, _ := s.ctrl.StreamSession(d)
			streamErr := s.ctrl.StopStream(d)
			if errors.Is(streamErr, stream.ErrStopTimeout) {
				return streamErr
			}
			if err := s.store.RecordSessionStop(id, s.clock.Now(), sess.Buffers, sess.Bytes, streamErr); err != nil {
				monitoring.Logger().Warn("failed to record session stop", zap.Error(err))
			}

			mean, stddev := m.Levels().Stats()
			fmt.Fprintf(report, "%s: %d buffers, %d bytes in %s, mean %.1f dBFS (sd %.1f)\n",
				d.Serial, sess.Buffers, sess.Bytes, s.clock.Since(started).Round(time.Millisecond), mean, stddev)

			if pngPath != "" {
				if err := writeLevelPlot(pngPath, d.Serial, m.Levels().Readings()); err != nil {
					return err
				}
			}
			return streamErr
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to stream; 0 streams until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "How often to print the signal level")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 0, "Transfer size in bytes, a multiple of 512 (default from config)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write raw samples to this file, - for stdout")
	cmd.Flags().StringVar(&pngPath, "png", "", "Write a level plot to this PNG file when done")
	return cmd
}

// watch prints the most recent level every interval until ctx is done or
// the stream ends on its own. A non-positive interval only waits.
func watch(ctx context.Context, w io.Writer, m *samplemux.SampleMux, interval time.Duration, alive func() bool) {
	quiet := interval <= 0
	if quiet {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !alive() {
				return
			}
			if quiet {
				continue
			}
			rs := m.Levels().Readings()
			if len(rs) == 0 {
				fmt.Fprintln(w, "no samples yet")
				continue
			}
			r := rs[len(rs)-1]
			fmt.Fprintf(w, "%s %6.1f dBFS  I %+.3f  Q %+.3f\n", r.Time.Format("15:04:05.000"), r.DBFS, r.MeanI, r.MeanQ)
		}
	}
}

func writeLevelPlot(path, serial string, readings []level.Reading) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := level.WritePNG(f, "Signal level "+serial, readings); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
