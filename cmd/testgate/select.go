package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/selector"
)

type graphInfo struct {
	Root      string    `json:"root" yaml:"root"`
	Files     int       `json:"files" yaml:"files"`
	Edges     int       `json:"edges" yaml:"edges"`
	TestFiles int       `json:"test_files" yaml:"test_files"`
	BuiltAt   time.Time `json:"built_at" yaml:"built_at"`
}

type selectReport struct {
	Selection selector.Selection `json:"selection" yaml:"selection"`
	Graph     *graphInfo         `json:"graph,omitempty" yaml:"graph,omitempty"`
}

func newSelectCmd(g *globalFlags) *cobra.Command {
	var (
		explain bool
		types   []string
	)
	cmd := &cobra.Command{
		Use:   "select FILE...",
		Short: "Select the tests affected by changed files",
		Example: `  testgate select --root ./web src/components/Button.tsx
  testgate select --explain --type unit src/lib/math.ts`,
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
			m, err := newMatrix(cfg)
			if err != nil {
				return err
			}
			_, graphs := newGraph(cfg, logger)
			sel := selector.New(graphs, m, selectorOptions(cfg.Selection), logger)

			res, err := sel.SelectTests(cmd.Context(), args, testTypes)
			if err != nil {
				return err
			}
			report := selectReport{Selection: res}
			if explain {
				if graph := graphs.Peek(); graph != nil {
					st := graph.Stats()
					report.Graph = &graphInfo{
						Root:      graph.Root(),
						Files:     st.Files,
						Edges:     st.Edges,
						TestFiles: st.TestFiles,
						BuiltAt:   st.BuiltAt,
					}
				}
				return render(cmd.OutOrStdout(), report, g.jsonOut)
			}
			return render(cmd.OutOrStdout(), res.All, g.jsonOut)
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "include direct/indirect split, reasoning, and graph statistics")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "test types to select for (default: from trigger rules)")
	return cmd
}

func parseTestTypes(names []string) ([]model.TestType, error) {
	out := make([]model.TestType, 0, len(names))
	for _, n := range names {
		t, err := model.ParseTestType(n)
		if err != nil {
			return nil, fmt.Errorf("--type: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
