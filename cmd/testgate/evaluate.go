package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/msageha/testgate/internal/engine"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/quality"
)

const maxResultsFileSize = 4 << 20

func newEvaluateCmd(g *globalFlags) *cobra.Command {
	var (
		resultsPath string
		changed     []string
	)
	cmd := &cobra.Command{
		Use:   "evaluate --results FILE",
		Short: "Evaluate test results against the quality gates",
		Long: `Evaluate reads test results (YAML or JSON, a list or {results: [...]}) and
applies the quality gates required by the changed files. It exits non-zero when
completion is blocked.`,
		Example: `  testgate evaluate --results results.json --changed src/api/users.ts
  cat results.yaml | testgate evaluate --results -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			m, err := newMatrix(cfg)
			if err != nil {
				return err
			}
			results, err := readResults(cmd.InOrStdin(), resultsPath)
			if err != nil {
				return err
			}

			res := quality.Evaluate(results, engine.GateConfig(m, cfg.QualityGates, changed))
			if err := render(cmd.OutOrStdout(), res, g.jsonOut); err != nil {
				return err
			}
			if res.BlockCompletion && cfg.Engine.AutoBlockOnFailure {
				return errBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resultsPath, "results", "r", "", "results file, or - for stdin")
	cmd.Flags().StringSliceVar(&changed, "changed", nil, "changed files that determine the required gates")
	_ = cmd.MarkFlagRequired("results")
	return cmd
}

func readResults(stdin io.Reader, path string) ([]model.TestResult, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open results: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxResultsFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	if len(data) > maxResultsFileSize {
		return nil, fmt.Errorf("results exceed %d bytes", maxResultsFileSize)
	}
	return parseResults(data)
}

// parseResults accepts a bare list or a document with a results key. JSON is
// parsed by the YAML decoder.
func parseResults(data []byte) ([]model.TestResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("results are empty")
	}

	var list []model.TestResult
	if err := yaml.Unmarshal(data, &list); err == nil {
		return validateResults(list)
	}
	var doc struct {
		Results []model.TestResult `yaml:"results"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	return validateResults(doc.Results)
}

func validateResults(results []model.TestResult) ([]model.TestResult, error) {
	for i, r := range results {
		if !r.TestType.Valid() {
			return nil, fmt.Errorf("result %d: unknown test type %q", i, r.TestType)
		}
	}
	return results, nil
}
