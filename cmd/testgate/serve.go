package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/testgate/internal/depgraph"
	"github.com/msageha/testgate/internal/engine"
)

const (
	maxIntentLine = 1 << 20
	idlePoll      = 50 * time.Millisecond
)

// request is one line of serve input. Op is "complete" (the default) or
// "cancel".
type request struct {
	Op string `json:"op,omitempty"`
	engine.Intent
}

// lineWriter serializes NDJSON output from concurrent writers.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (l *lineWriter) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(v)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		socketPath  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Read completion intents as NDJSON on stdin and write verdicts to stdout",
		Long: `serve runs the engine as a long-lived process. Each input line is a JSON
object such as {"task_id":"T-1","changed_files":["src/api/users.ts"]} or
{"op":"cancel","task_id":"T-1"}. Each verdict is written as one JSON line.
At end of input, serve waits for queued and running tasks, then exits.

With --socket, serve also accepts commands from "testgate ctl" and keeps
running after end of input until it is signalled or sent "ctl shutdown".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.ListenAddr = metricsAddr
			}
			if socketPath != "" {
				cfg.Control.SocketPath = socketPath
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, shutdown := context.WithCancel(ctx)
			defer shutdown()

			out := newLineWriter(cmd.OutOrStdout())
			tracker := engine.TrackerFunc(func(_ context.Context, v engine.Verdict) error {
				return out.write(v)
			})
			a, err := newApp(ctx, cfg, tracker, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := shutdownContext()
				defer cancel()
				if err := a.Close(sctx); err != nil {
					logger.Warn("shutdown_incomplete", zap.Error(err))
				}
			}()

			if cfg.Watcher.Enabled {
				w := depgraph.NewWatcher(a.builder, a.graphs, time.Duration(cfg.Watcher.DebounceMs)*time.Millisecond, logger)
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Close()
			}
			go func() {
				if _, err := a.graphs.Get(ctx); err != nil {
					logger.Warn("graph_prewarm_failed", zap.Error(err))
				}
			}()

			if cfg.Metrics.ListenAddr != "" {
				srv := metricsServer(cfg.Metrics.ListenAddr, a)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics_server_failed", zap.Error(err))
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				logger.Info("metrics_listening", zap.String("addr", cfg.Metrics.ListenAddr))
			}

			if cfg.Control.SocketPath != "" {
				ctl, err := startControl(cfg.Control.SocketPath, a.engine, shutdown, logger)
				if err != nil {
					return err
				}
				defer func() {
					if err := ctl.Close(); err != nil {
						logger.Warn("control_close_failed", zap.Error(err))
					}
				}()
			}

			if err := serveLoop(ctx, cmd.InOrStdin(), a.engine, logger); err != nil {
				return err
			}
			if cfg.Control.SocketPath != "" {
				<-ctx.Done()
				return nil
			}
			return waitIdle(ctx, a.engine)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen_addr)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "serve the control socket at this path (overrides control.socket_path)")
	return cmd
}

func metricsServer(addr string, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.collectors.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		running, queued := a.engine.Load()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"running": running, "queued": queued})
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

var errLineTooLong = errors.New("line exceeds the intent size limit")

type inputLine struct {
	n    int
	data []byte
	err  error
}

// readIntentLine returns the next line without its line ending. A line longer
// than limit is consumed in full and reported as errLineTooLong, so the next
// call starts on the following line.
func readIntentLine(r *bufio.Reader, limit int) ([]byte, error) {
	var (
		line    []byte
		read    int
		tooLong bool
	)
	for {
		frag, err := r.ReadSlice('\n')
		read += len(frag)
		if !tooLong {
			line = append(line, frag...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				tooLong, line = true, nil
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read > 0:
		case err != nil:
			return nil, err
		}
		if tooLong {
			return nil, errLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

// serveLoop dispatches input lines until EOF or ctx is done. Malformed and
// oversized lines are logged and skipped.
func serveLoop(ctx context.Context, in io.Reader, e *engine.Engine, logger *zap.Logger) error {
	lines := make(chan inputLine)
	go func() {
		defer close(lines)
		br := bufio.NewReaderSize(in, 64*1024)
		for n := 1; ; n++ {
			data, err := readIntentLine(br, maxIntentLine)
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case lines <- inputLine{n: n, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, errLineTooLong) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			switch {
			case errors.Is(l.err, errLineTooLong):
				logger.Warn("intent_rejected", zap.Int("line", l.n), zap.Int("limit", maxIntentLine), zap.Error(l.err))
				continue
			case l.err != nil:
				return fmt.Errorf("read intents: %w", l.err)
			}
			if err := dispatch(ctx, e, l.data); err != nil {
				logger.Warn("intent_rejected", zap.Int("line", l.n), zap.Error(err))
			}
		}
	}
}

func dispatch(ctx context.Context, e *engine.Engine, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	switch req.Op {
	case "", "complete":
		_, err := e.HandleCompletionIntent(ctx, req.Intent)
		return err
	case "cancel":
		return e.Cancel(req.TaskID)
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
}

// waitIdle blocks until no context is queued or running, or ctx is done.
func waitIdle(ctx context.Context, e *engine.Engine) error {
	t := time.NewTicker(idlePoll)
	defer t.Stop()
	for {
		if running, queued := e.Load(); running == 0 && queued == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
