package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/trigger"
)

type classification struct {
	Path             string               `json:"path" yaml:"path"`
	TriggersTests    bool                 `json:"triggers_tests" yaml:"triggers_tests"`
	Rules            []string             `json:"rules" yaml:"rules"`
	TestTypes        []model.TestType     `json:"test_types" yaml:"test_types"`
	ResponsibleAgent string               `json:"responsible_agent" yaml:"responsible_agent"`
	EstimatedMs      int                  `json:"estimated_duration_ms" yaml:"estimated_duration_ms"`
	QualityGates     trigger.Requirements `json:"quality_gates" yaml:"quality_gates"`
}

type classifyReport struct {
	Files  []classification     `json:"files" yaml:"files"`
	Merged trigger.Requirements `json:"merged_quality_gates" yaml:"merged_quality_gates"`
	Owner  string               `json:"owner" yaml:"owner"`
}

func newClassifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "classify PATH...",
		Short: "Show which rules, test types, and gates apply to each path",
		Example: `  testgate classify src/api/users.ts src/components/Button.tsx
  testgate classify --json package.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			m, err := newMatrix(cfg)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), classifyPaths(m, args), g.jsonOut)
		},
	}
}

func classifyPaths(m *trigger.Matrix, paths []string) classifyReport {
	report := classifyReport{
		Files:  make([]classification, 0, len(paths)),
		Merged: m.MergeRequirements(paths),
		Owner:  m.OwnerOf(paths),
	}
	for _, p := range paths {
		c := classification{
			Path:             trigger.NormalizePath(p),
			TriggersTests:    m.ShouldTriggerTests(p),
			Rules:            []string{},
			TestTypes:        m.RequiredTestTypes(p),
			ResponsibleAgent: m.ResponsibleAgent(p),
			EstimatedMs:      m.EstimatedDurationMs(p),
			QualityGates:     m.QualityGateRequirements(p),
		}
		for _, r := range m.FindTriggers(p) {
			c.Rules = append(c.Rules, r.Name)
		}
		report.Files = append(report.Files, c)
	}
	return report
}
