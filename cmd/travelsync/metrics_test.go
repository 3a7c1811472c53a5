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
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/shirou/gopsutil/process"
)

func TestSampleProcess(t *testing.T) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("open own process: %v", err)
	}
	sampleProcess(proc)
	if metrics.Enabled() && processRSSGauge.Snapshot().Value() <= 0 {
		t.Fatalf("rss gauge not updated")
	}
}

func TestCollectProcessMetricsStops(t *testing.T) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		collectProcessMetrics(10*time.Millisecond, quit)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	close(quit)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}
