// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/grafana/pyroscope-go"
	"github.com/shirou/gopsutil/process"
)

var (
	passTotal         = metrics.NewRegisteredCounter("travelsync/daemon/pass/total", nil)
	passErrorsTotal   = metrics.NewRegisteredCounter("travelsync/daemon/pass/errors", nil)
	passBackoffGauge  = metrics.NewRegisteredGauge("travelsync/daemon/backoff/ms", nil)
	triggeredTotal    = metrics.NewRegisteredCounter("travelsync/daemon/triggered", nil)
	phaseGauge        = metrics.NewRegisteredGauge("travelsync/daemon/phase", nil)
	adminCalls        = metrics.NewRegisteredCounter("travelsync/admin/calls", nil)
	adminAuthFailures = metrics.NewRegisteredCounter("travelsync/admin/auth/failures", nil)

	processRSSGauge     = metrics.NewRegisteredGauge("travelsync/process/rss", nil)
	processThreadsGauge = metrics.NewRegisteredGauge("travelsync/process/threads", nil)
	processFDsGauge     = metrics.NewRegisteredGauge("travelsync/process/fds", nil)
)

// startMetricsServer exposes the default registry in the Prometheus text
// format on addr.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/debug/metrics/prometheus", prometheus.Handler(metrics.DefaultRegistry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "err", err)
		}
	}()
	log.Info("Starting metrics server", "addr", "http://"+addr+"/debug/metrics/prometheus")
	return srv
}

// startPprofServer serves the profiling handlers registered on the default mux.
func startPprofServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: http.DefaultServeMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Pprof server error", "err", err)
		}
	}()
	log.Info("Starting pprof server", "addr", "http://"+addr+"/debug/pprof")
	return srv
}

// collectProcessMetrics samples the daemon's own resource usage until quit
// is closed.
func collectProcessMetrics(refresh time.Duration, quit <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process metrics unavailable", "err", err)
		return
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		sampleProcess(proc)
		select {
		case <-ticker.C:
		case <-quit:
			return
		}
	}
}

func sampleProcess(proc *process.Process) {
	if mem, err := proc.MemoryInfo(); err == nil {
		processRSSGauge.Update(int64(mem.RSS))
	}
	if n, err := proc.NumThreads(); err == nil {
		processThreadsGauge.Update(int64(n))
	}
	if n, err := proc.NumFDs(); err == nil {
		processFDsGauge.Update(int64(n))
	}
}

// startPyroscope pushes continuous profiles to a pyroscope server.
func startPyroscope(server string) (*pyroscope.Profiler, error) {
	hostname, _ := os.Hostname()
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "travelsync",
		ServerAddress:   server,
		Tags:            map[string]string{"host": hostname},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Info("Continuous profiling enabled", "server", server)
	return profiler, nil
}
