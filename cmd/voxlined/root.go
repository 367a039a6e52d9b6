package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "voxlined",
		Short:         "Voxline call record server",
		Long:          "voxlined serves the shared call-record store that voxline call engines signal through.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (optional)")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			commit, when := resolveBuildInfo(buildCommit, buildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "voxlined commit=%s built=%s\n", orUnknown(commit), orUnknown(when))
		},
	}
}

// resolveBuildInfo prefers ldflags-injected values and falls back to the Go
// build info for `go run` / dev builds.
func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
