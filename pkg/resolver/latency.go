// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"sort"
	"time"
)

const latencyHistoryCap = 32

type latencySample struct {
	when    time.Time
	latency time.Duration
}

// LatencyHistory is a fixed-capacity collection of successful connect
// latencies. When full, the oldest sample by timestamp is replaced. The
// samples are kept sorted by latency so the 95th percentile is a cached
// index read.
type LatencyHistory struct {
	samples []latencySample
	p95     time.Duration
}

func (h *LatencyHistory) oldestIndex() int {
	min := 0
	for i, s := range h.samples {
		if s.when.Before(h.samples[min].when) {
			min = i
		}
	}
	return min
}

// Update folds one successful connect observation into the history.
func (h *LatencyHistory) Update(when time.Time, latency time.Duration) {
	sample := latencySample{when: when, latency: latency}
	if len(h.samples) == latencyHistoryCap {
		h.samples[h.oldestIndex()] = sample
	} else {
		h.samples = append(h.samples, sample)
	}
	sort.Slice(h.samples, func(i, j int) bool {
		return h.samples[i].latency < h.samples[j].latency
	})
	h.p95 = h.samples[19*len(h.samples)/20].latency
}

// P95 returns the cached 95th-percentile latency, zero when no samples have
// been recorded.
func (h *LatencyHistory) P95() time.Duration {
	return h.p95
}

// Len returns the number of recorded samples.
func (h *LatencyHistory) Len() int {
	return len(h.samples)
}
