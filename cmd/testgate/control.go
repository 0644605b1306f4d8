package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/testgate/internal/engine"
	"github.com/msageha/testgate/internal/lock"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/uds"
)

type taskParams struct {
	TaskID string `json:"task_id"`
}

// statusParams selects a context by run ID when set, otherwise by task.
type statusParams struct {
	TaskID string `json:"task_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

type recentParams struct {
	Limit int `json:"limit"`
}

type metricsReport struct {
	model.MetricsSnapshot `yaml:",inline"`
	Running               int `json:"running" yaml:"running"`
	Queued                int `json:"queued" yaml:"queued"`
}

// control is the serve control socket and the lock that makes it exclusive
// to one process.
type control struct {
	server *uds.Server
	lock   *lock.FileLock
}

// startControl takes the socket lock and serves the control commands for e.
// shutdown is invoked by the shutdown command.
func startControl(socketPath string, e *engine.Engine, shutdown func(), logger *zap.Logger) (*control, error) {
	fl := lock.NewFileLock(socketPath + ".lock")
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("control socket %s is served by another process", socketPath)
		}
		return nil, err
	}

	srv := uds.NewServer(socketPath, logger)
	srv.Handle(uds.CommandComplete, func(ctx context.Context, req *uds.Request) *uds.Response {
		var in engine.Intent
		if err := req.Decode(&in); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		ec, err := e.HandleCompletionIntent(ctx, in)
		if err != nil {
			return engineError(err)
		}
		return uds.SuccessResponse(ec)
	})
	srv.Handle(uds.CommandCancel, func(_ context.Context, req *uds.Request) *uds.Response {
		var p taskParams
		if err := req.Decode(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if err := e.Cancel(p.TaskID); err != nil {
			return engineError(err)
		}
		return uds.SuccessResponse(nil)
	})
	srv.Handle(uds.CommandStatus, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p statusParams
		if err := req.Decode(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		var (
			ec  engine.ExecutionContext
			err error
		)
		if p.RunID != "" {
			ec, err = e.Run(ctx, p.RunID)
		} else {
			ec, err = e.Context(ctx, p.TaskID)
		}
		if err != nil {
			return engineError(err)
		}
		return uds.SuccessResponse(ec)
	})
	srv.Handle(uds.CommandHistory, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p taskParams
		if err := req.Decode(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		hist, err := e.History(ctx, p.TaskID)
		if err != nil {
			return engineError(err)
		}
		return uds.SuccessResponse(hist)
	})
	srv.Handle(uds.CommandRecent, func(ctx context.Context, req *uds.Request) *uds.Response {
		var p recentParams
		if err := req.Decode(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		recent, err := e.Recent(ctx, p.Limit)
		if err != nil {
			return engineError(err)
		}
		return uds.SuccessResponse(recent)
	})
	srv.Handle(uds.CommandMetrics, func(context.Context, *uds.Request) *uds.Response {
		running, queued := e.Load()
		return uds.SuccessResponse(metricsReport{MetricsSnapshot: e.Metrics(), Running: running, Queued: queued})
	})
	srv.Handle(uds.CommandShutdown, func(context.Context, *uds.Request) *uds.Response {
		logger.Info("shutdown_requested")
		shutdown()
		return uds.SuccessResponse(nil)
	})

	if err := srv.Start(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return &control{server: srv, lock: fl}, nil
}

func (c *control) Close() error {
	return errors.Join(c.server.Stop(), c.lock.Unlock())
}

func engineError(err error) *uds.Response {
	switch {
	case errors.Is(err, engine.ErrUnknownTask), errors.Is(err, engine.ErrUnknownRun):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidIntent), errors.Is(err, engine.ErrInvalidRunID):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, engine.ErrClosed), errors.Is(err, context.Canceled):
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func newCtlCmd(g *globalFlags) *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running serve process over its control socket",
		Example: `  testgate ctl --socket /tmp/testgate.sock complete --task T-42 src/api/users.ts
  testgate ctl --socket /tmp/testgate.sock status T-42
  testgate ctl --socket /tmp/testgate.sock metrics`,
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default: control.socket_path)")

	client := func() (*uds.Client, error) {
		path := socketPath
		if path == "" {
			cfg, err := loadConfig(g)
			if err != nil {
				return nil, err
			}
			path = cfg.Control.SocketPath
		}
		if path == "" {
			return nil, errors.New("no control socket: pass --socket or set control.socket_path")
		}
		return uds.NewClient(path), nil
	}
	call := func(cmd *cobra.Command, command string, params, out any) error {
		c, err := client()
		if err != nil {
			return err
		}
		if err := c.Call(cmd.Context(), command, params, out); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return render(cmd.OutOrStdout(), out, g.jsonOut)
	}

	var (
		taskID string
		agent  string
		types  []string
	)
	complete := &cobra.Command{
		Use:   "complete --task ID FILE...",
		Short: "Submit a completion intent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			testTypes, err := parseTestTypes(types)
			if err != nil {
				return err
			}
			var ec engine.ExecutionContext
			return call(cmd, uds.CommandComplete, engine.Intent{
				TaskID:       taskID,
				ChangedFiles: args,
				TestTypes:    testTypes,
				Agent:        agent,
			}, &ec)
		},
	}
	complete.Flags().StringVar(&taskID, "task", "", "task ID")
	complete.Flags().StringVar(&agent, "agent", "", "agent reporting the task")
	complete.Flags().StringSliceVarP(&types, "type", "t", nil, "test types to run")
	_ = complete.MarkFlagRequired("task")

	cancel := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, uds.CommandCancel, taskParams{TaskID: args[0]}, nil)
		},
	}
	status := &cobra.Command{
		Use:   "status TASK|RUN_ID",
		Short: "Show the latest execution context of a task, or one run by its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ec engine.ExecutionContext
			return call(cmd, uds.CommandStatus, statusQuery(args[0]), &ec)
		},
	}
	history := &cobra.Command{
		Use:   "history TASK",
		Short: "List every recorded execution context of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hist []engine.ExecutionContext
			return call(cmd, uds.CommandHistory, taskParams{TaskID: args[0]}, &hist)
		},
	}
	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List recorded execution contexts across tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var hist []engine.ExecutionContext
			return call(cmd, uds.CommandRecent, recentParams{Limit: limit}, &hist)
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "maximum contexts to list (0 lists all)")
	metrics := &cobra.Command{
		Use:   "metrics",
		Short: "Show rolling metrics and current load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var m metricsReport
			return call(cmd, uds.CommandMetrics, nil, &m)
		},
	}
	shutdown := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the serve process after in-flight runs settle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, uds.CommandShutdown, nil, nil)
		},
	}
	cmd.AddCommand(complete, cancel, status, history, recent, metrics, shutdown)
	return cmd
}

// statusQuery treats arg as a run ID when it has the run ID shape.
func statusQuery(arg string) statusParams {
	if model.ValidateRunID(arg) {
		return statusParams{RunID: arg}
	}
	return statusParams{TaskID: arg}
}
