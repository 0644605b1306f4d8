package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/testgate/internal/engine"
)

type runReport struct {
	Verdict engine.Verdict          `json:"verdict" yaml:"verdict"`
	Context engine.ExecutionContext `json:"context" yaml:"context"`
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		taskID string
		agent  string
		types  []string
	)
	cmd := &cobra.Command{
		Use:   "run --task ID FILE...",
		Short: "Run the affected tests for one task and report the verdict",
		Example: `  testgate run --task T-42 src/api/users.ts src/api/users.schema.ts
  testgate run --task T-43 --type unit --type security package.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			testTypes, err := parseTestTypes(types)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			verdicts := make(chan engine.Verdict, 1)
			tracker := engine.TrackerFunc(func(_ context.Context, v engine.Verdict) error {
				select {
				case verdicts <- v:
				default:
				}
				return nil
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

			if _, err := a.engine.HandleCompletionIntent(ctx, engine.Intent{
				TaskID:       taskID,
				ChangedFiles: args,
				TestTypes:    testTypes,
				Agent:        agent,
			}); err != nil {
				return err
			}

			var v engine.Verdict
			select {
			case v = <-verdicts:
			case <-ctx.Done():
				_ = a.engine.Cancel(taskID)
				return fmt.Errorf("interrupted: %w", ctx.Err())
			}

			ec, err := a.engine.Context(context.Background(), taskID)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), runReport{Verdict: v, Context: ec}, g.jsonOut); err != nil {
				return err
			}
			if !v.Approved {
				return errBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task ID")
	cmd.Flags().StringVar(&agent, "agent", "", "agent reporting the task (default: owner from trigger rules)")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "test types to run (default: from trigger rules)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
