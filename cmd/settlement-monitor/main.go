// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"net/http"
	"os"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
)

var buildVersion = "dev"

var (
	rootCmd = &cobra.Command{
		Use:   "settlement-monitor",
		Short: "Watches settlement resources, sensor devices and task deadlines",
		Long: `settlement-monitor evaluates monitoring rules inside the transaction of every
resource operation, sensor reading and task clock update, and records the
resulting incidents and notifications atomically with the change.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			helper.InitLogging()
		},
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the ingress adapters and the deadline sweeper",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes in PostgreSQL",
		RunE:  runMigrate,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Advance the clock of all due tasks once and exit",
		RunE:  runSweep,
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.S().Errorf("%s", err)
		_ = zap.L().Sync()
		os.Exit(1)
	}
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(readiness map[string]healthcheck.Check, liveness map[string]healthcheck.Check) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	for name, check := range readiness {
		health.AddReadinessCheck(name, check)
	}
	for name, check := range liveness {
		health.AddLivenessCheck(name, check)
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
