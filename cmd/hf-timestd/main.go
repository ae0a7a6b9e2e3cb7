/*
Copyright (c) Facebook, Inc. and its affiliates.

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
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mijahauan/hf-timestd/archive"
	"github.com/mijahauan/hf-timestd/calibrator"
	"github.com/mijahauan/hf-timestd/clockoffset"
	"github.com/mijahauan/hf-timestd/config"
	"github.com/mijahauan/hf-timestd/diskqueue"
	"github.com/mijahauan/hf-timestd/gpsdomonitor"
	"github.com/mijahauan/hf-timestd/orchestrator"
	"github.com/mijahauan/hf-timestd/phase2"
	"github.com/mijahauan/hf-timestd/propagation"
	"github.com/mijahauan/hf-timestd/recorder"
	"github.com/mijahauan/hf-timestd/rtp"
	"github.com/mijahauan/hf-timestd/status"
)

// shutdownTimeout bounds how long graceful shutdown is allowed to take
// before the process exits anyway.
const shutdownTimeout = 10 * time.Second

func main() {
	c := config.DefaultConfig()

	var configFlag, pprofFlag string
	flag.StringVar(&c.Iface, "iface", c.Iface, "network interface to receive multicast RTP on")
	flag.StringVar(&c.DataRoot, "dataroot", c.DataRoot, "root directory for archive, calibration and session state")
	flag.IntVar(&c.MonitoringPort, "monitoringport", c.MonitoringPort, "port to serve JSON status on")
	flag.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "log level: debug, info, warning, error")
	flag.BoolVar(&c.DryRun, "dry-run", c.DryRun, "receive and analyze but do not write to the archive")
	flag.StringVar(&configFlag, "config", "", "path to a YAML config overlaying these flags")
	flag.StringVar(&pprofFlag, "pprofaddr", "", "host:port for the pprof profiler, disabled if empty")
	flag.Parse()

	merged, err := config.PrepareConfig(c, configFlag)
	if err != nil {
		log.Fatal(err)
	}
	c = merged

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", c.LogLevel)
	}

	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}

	if pprofFlag != "" {
		go func() {
			log.Errorf("pprof listener exited: %v", http.ListenAndServe(pprofFlag, nil))
		}()
	}

	rec := recorder.New()
	solver, err := propagation.NewSolver(20, 0.7, 0.2, 0.1)
	if err != nil {
		log.Fatalf("building propagation solver: %v", err)
	}

	dataRoot := c.DataRoot
	if c.DryRun {
		dataRoot, err = os.MkdirTemp("", "hf-timestd-dry-run-")
		if err != nil {
			log.Fatalf("creating dry-run scratch dir: %v", err)
		}
		log.Warnf("dry run: archiving to scratch dir %s instead of %s", dataRoot, c.DataRoot)
	}

	diskQueue := diskqueue.NewWriter(100, 1)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	for _, ch := range c.Channels {
		ch := ch
		channelDir := archive.NormalizeChannelDir(ch.Name)

		archiveWriter := archive.NewWriter(archive.Config{
			Root:        dataRoot,
			ChannelDir:  channelDir,
			FrequencyHz: ch.FrequencyHz,
			SampleRate:  ch.SampleRate,
		}, diskQueue)

		cal, err := calibrator.Open(filepath.Join(dataRoot, channelDir, "calibration.json"))
		if err != nil {
			log.Fatalf("opening calibrator for %q: %v", ch.Name, err)
		}

		mon := gpsdomonitor.NewMonitor()

		geometry := make(map[string]phase2.StationGeometry, len(ch.Geometry))
		for station, g := range ch.Geometry {
			geometry[station] = phase2.StationGeometry{
				Station:        g.Station,
				DistanceKm:     g.DistanceKm,
				MaxDopplerHz:   g.MaxDopplerHz,
				SolarZenithDeg: g.SolarZenithDeg,
			}
		}
		engine := phase2.NewEngine(phase2.Config{
			Channel:      ch.Name,
			FrequencyMHz: ch.FrequencyHz / 1e6,
			SampleRate:   ch.SampleRate,
			Geometry:     geometry,
		}, solver, cal, mon)

		series, err := clockoffset.NewSeries(filepath.Join(dataRoot, channelDir, "clock_offset.csv"))
		if err != nil {
			log.Fatalf("opening clock offset series for %q: %v", ch.Name, err)
		}

		queueSize := ch.AnalysisQueue
		if queueSize <= 0 {
			queueSize = 8
		}
		orch := orchestrator.New(orchestrator.Config{
			Channel:           channelDir,
			SampleRate:        ch.SampleRate,
			AnalysisQueueSize: queueSize,
		}, archiveWriter, engine, mon, series)

		tracker := recorder.NewSessionTracker(dataRoot, ch.Name, ch.SampleRate)
		if err := rec.Register(ch.Name, orch, tracker); err != nil {
			log.Fatalf("registering channel %q: %v", ch.Name, err)
		}
		if err := tracker.WriteSessionSummary(time.Now().UTC()); err != nil {
			log.Warnf("channel %q: writing session summary: %v", ch.Name, err)
		}

		receiver := rtp.NewReceiver(rtp.Config{
			Multicast:  net.ParseIP(ch.Multicast),
			Port:       ch.Port,
			Interface:  c.Iface,
			SampleRate: ch.SampleRate,
		})
		if err := receiver.Subscribe(); err != nil {
			log.Fatalf("subscribing to %q: %v", ch.Name, err)
		}

		eg.Go(func() error {
			return pumpReceiver(egCtx, ch.Name, receiver, orch)
		})
	}

	if err := rec.Start(egCtx); err != nil {
		log.Fatalf("starting recorder: %v", err)
	}
	if err := sdNotifyReady(); err != nil {
		log.Warningf("sd_notify failed: %v", err)
	}

	statusExporter := status.NewJSONExporter(rec)
	go statusExporter.Start(c.MonitoringPort)
	go status.ServePrometheus(rec, c.MonitoringPort+1)

	eg.Go(func() error {
		<-egCtx.Done()
		return nil
	})

	if err := eg.Wait(); err != nil && egCtx.Err() == nil {
		log.Errorf("channel pump exited with error: %v", err)
	}

	log.Infof("shutting down, flushing %d channel(s)", len(c.Channels))
	if errs := rec.Shutdown(shutdownTimeout); len(errs) > 0 {
		for _, e := range errs {
			log.Errorf("shutdown error: %v", e)
		}
		os.Exit(1)
	}
}

// sdNotifyReady tells systemd the daemon has finished starting up, a no-op
// when NOTIFY_SOCKET is unset (not running under systemd).
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	}
	if !supported {
		log.Debug("sd_notify not supported")
	}
	return nil
}

// pumpReceiver runs receiver's blocking read loop and forwards every
// SampleBatch into orch, until ctx is cancelled.
func pumpReceiver(ctx context.Context, name string, receiver *rtp.Receiver, orch *orchestrator.Orchestrator) error {
	out := make(chan rtp.SampleBatch, 64)
	runErr := make(chan error, 1)
	go func() {
		runErr <- receiver.Run(out)
	}()

	for {
		select {
		case <-ctx.Done():
			receiver.FlushRemaining(out)
			_ = receiver.Close()
			return nil
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("channel %q: receiver failed: %w", name, err)
			}
			return nil
		case batch, ok := <-out:
			if !ok {
				return nil
			}
			if err := orch.ProcessSamples(orchestrator.SampleBatch{
				RTPTimestamp:     batch.RTPTimestamp,
				Samples:          batch.Samples,
				GapSamplesBefore: batch.GapSamplesBefore,
				ArrivalWallTime:  batch.ArrivalWallTime,
			}); err != nil {
				log.Errorf("channel %q: processing samples: %v", name, err)
			}
		}
	}
}
