package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessionlens",
		Short: "Therapy session processing and analysis service",
		Long: `sessionlens turns a recorded therapy session into a role-labeled transcript
and a set of AI-derived annotations: mood, topics, breakthrough and a deep
synthesis against the client's history.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newProcessCommand())
	cmd.AddCommand(newTokenCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
