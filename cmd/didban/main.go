/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/obsernetics/didban/cmd/didban/commands"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command for the didban CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "didban",
		Short: "Didban - host security observation agent",
		Long: `Didban is a real-time security observation agent for Linux hosts.

It classifies file, exec, and network decision points through in-process
hooks, tracks syscall call frequencies with kprobes, inspects IPv4/TCP
traffic for C2 and exfiltration patterns, and exports aggregated counters
over HTTP and Prometheus.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", version, buildDate, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(commands.NewRunCommand(version))
	cmd.AddCommand(commands.NewStatusCommand())
	cmd.AddCommand(commands.NewVersionCommand(version, buildDate, gitCommit))

	return cmd
}
