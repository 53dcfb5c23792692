// Copyright © 2024 OpenRad <dev@openrad.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openrad/dicombridge/bus"
	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/engine"
	"github.com/openrad/dicombridge/platform"
	"github.com/openrad/dicombridge/reclaim"
	"github.com/openrad/dicombridge/registry"
	"github.com/openrad/dicombridge/scp"
	"github.com/openrad/dicombridge/store"
)

var metricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge: DICOM SCP, batch processors and job submission",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090), empty disables")
}

func runBridge() error {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log, err := common.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.WithField("version", common.BridgeVersion).Info("dicombridge starting")

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return errors.Wrapf(err, "creating storage root %s", cfg.StorageRoot)
	}

	gate := common.NewStorageGate(cfg.StorageRoot, cfg.WatermarkPercent, cfg.ReservedBytes, log)
	st := store.NewReceptionStore(cfg.StorageRoot, log)
	reg := registry.New(registry.SnapshotFromConfig(cfg))

	cleanup := reclaim.NewQueue()
	reclaimer := reclaim.NewReclaimer(cfg.StorageRoot, cleanup, st, log)
	reclaimer.SweepExisting()

	notify := bus.New(cleanup, log)

	client := platform.NewClient(cfg.Platform, log)
	submitter := platform.NewSubmitter(client, client, gate, cfg.SubmitWorkers, log)

	// One processor per called AE, each consuming its own bus channel.
	// A bad processorConfig fails startup; a half-configured AE silently
	// dropping instances would be far worse.
	processors := make([]*engine.Processor, 0, len(cfg.CalledAEs))
	for _, ae := range reg.Snapshot().CalledAEs() {
		settings, err := engine.ParseSettings(ae.ProcessorConfig)
		if err != nil {
			return errors.Wrapf(err, "called AE %q", ae.Name)
		}
		ch, err := notify.Register(ae.AETitle, bus.DefaultChannelCapacity)
		if err != nil {
			return errors.Wrapf(err, "called AE %q", ae.Name)
		}
		processors = append(processors, engine.New(ae.AETitle, settings, ch, submitter, cleanup, log))
	}

	server := scp.NewServer(scp.Config{
		ListenAddr:                   fmt.Sprintf(":%d", cfg.ListenPort),
		MaxAssociations:              cfg.MaxAssociations,
		RejectUnknownSources:         cfg.RejectUnknownSources,
		VerificationTransferSyntaxes: cfg.VerificationTransferSyntaxes,
		GraceWindow:                  cfg.GraceShutdown.Std(),
	}, reg, gate, st, notify, cleanup, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The reclaimer gets its own lifetime: it must keep deleting while the
	// SCP and processors drain into its queue, and Drain below catches
	// whatever is enqueued after its loop stops.
	reclaimCtx, stopReclaim := context.WithCancel(context.Background())
	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		_ = reclaimer.Run(reclaimCtx)
	}()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, log)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	for _, p := range processors {
		p := p
		g.Go(func() error { return p.Run(ctx) })
	}

	runErr := g.Wait()

	stopReclaim()
	<-reclaimDone
	reclaimer.Drain()

	if runErr != nil {
		log.WithError(runErr).Error("dicombridge stopped with error")
		return runErr
	}
	log.Info("dicombridge stopped")
	return nil
}

func serveMetrics(addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics endpoint failed")
	}
}
