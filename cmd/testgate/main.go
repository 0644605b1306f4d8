// Command testgate classifies changes, selects affected tests, and enforces
// quality gates before a task may complete.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// errBlocked makes the process exit non-zero without printing a usage error.
var errBlocked = errors.New("completion blocked by quality gates")

type globalFlags struct {
	configPath string
	root       string
	logLevel   string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errBlocked) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "testgate",
		Short: "Smart test selection and quality-gate enforcement",
		Long: `testgate decides which tests a changeset needs, runs them through
configured runners, and approves or blocks task completion against quality gates.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to testgate.yaml")
	root.PersistentFlags().StringVar(&g.root, "root", "", "project root (overrides project.root)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON instead of YAML")

	root.AddCommand(
		newClassifyCmd(g),
		newSelectCmd(g),
		newEvaluateCmd(g),
		newRunCmd(g),
		newServeCmd(g),
		newCtlCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "testgate %s\n", version)
		},
	}
}
