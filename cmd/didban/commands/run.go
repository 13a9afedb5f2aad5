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

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obsernetics/didban/internal/config"
	"github.com/obsernetics/didban/internal/logging"
	"github.com/obsernetics/didban/internal/telemetry"
	"github.com/obsernetics/didban/pkg/monitor"
)

// NewRunCommand creates the run command, which loads the monitor and
// blocks until the context is cancelled.
func NewRunCommand(version string) *cobra.Command {
	var (
		configFile string
		threshold  int
		enforce    bool
		listenAddr string
		iface      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the security monitor and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Threshold = threshold
			}
			if cmd.Flags().Changed("enforce") {
				cfg.Enforce = enforce
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("interface") {
				cfg.Interface = iface
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			tel, err := telemetry.New(ctx, cfg.OTLPEndpoint, version)
			if err != nil {
				return fmt.Errorf("set up telemetry: %w", err)
			}

			mon, err := monitor.New(monitor.Options{
				Logger:        logger,
				Threshold:     cfg.Threshold,
				Enforce:       cfg.Enforce,
				ListenAddr:    cfg.ListenAddr,
				Interface:     cfg.Interface,
				PollInterval:  cfg.ProbePollInterval,
				TableCapacity: cfg.ProcessTableSize,
				MeterProvider: tel.MeterProvider(),
				Version:       version,
			})
			if err != nil {
				return err
			}

			if err := mon.Load(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mon.Unload(shutdownCtx); err != nil {
				logger.Error(err, "unload finished with errors")
			}
			return tel.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	cmd.Flags().IntVar(&threshold, "threshold", 70, "Confidence threshold (0-100) for threat counting")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "Deny operations on actionable detections")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":9443", "HTTP address for /status and /metrics")
	cmd.Flags().StringVar(&iface, "interface", "", "Interface to capture on (empty for all)")

	return cmd
}
