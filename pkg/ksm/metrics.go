// Copyright 2021 Intel Corporation. All Rights Reserved.
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

package ksm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/ksm-engine/pkg/metrics"
)

// Prometheus metric descriptor indices and descriptor table, following
// this tree's usual collector layout: an index per metric, a parallel
// *prometheus.Desc table built once at init.
const (
	pagesSharedDesc = iota
	pagesSharingDesc
	pagesZeroSharingDesc
	pagesUnsharedDesc
	fullScansDesc
	stableNodesDesc
	rmapItemsDesc
	mergeRateDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	pagesSharedDesc: prometheus.NewDesc(
		"ksm_pages_shared", "Number of distinct merged pages currently tracked.", nil, nil),
	pagesSharingDesc: prometheus.NewDesc(
		"ksm_pages_sharing", "Number of mappings resolving through a merged page.", nil, nil),
	pagesZeroSharingDesc: prometheus.NewDesc(
		"ksm_pages_zero_sharing", "Number of mappings resolved via the zero-page fast path.", nil, nil),
	pagesUnsharedDesc: prometheus.NewDesc(
		"ksm_pages_unshared", "Live size of the unstable tree.", nil, nil),
	fullScansDesc: prometheus.NewDesc(
		"ksm_full_scans", "Number of completed scanner ticks.", nil, nil),
	stableNodesDesc: prometheus.NewDesc(
		"ksm_stable_nodes", "Live size of the stable tree.", nil, nil),
	rmapItemsDesc: prometheus.NewDesc(
		"ksm_rmap_items", "Number of live tracked rmaps.", nil, nil),
	mergeRateDesc: prometheus.NewDesc(
		"ksm_merge_rate_ewma", "Exponentially weighted moving average of pages merged per scanner tick.", nil, nil),
}

// collector adapts an Engine's Counters to prometheus.Collector. It
// never walks the filesystem: every value is a lock-free atomic load
// already maintained by the merge and scanner paths.
type collector struct {
	e *Engine
}

// NewCollector wraps e for registration with pkg/metrics.
func NewCollector(e *Engine) prometheus.Collector {
	return &collector{e: e}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	counters := &c.e.counters
	ch <- prometheus.MustNewConstMetric(descriptors[pagesSharedDesc], prometheus.GaugeValue, float64(counters.PagesShared()))
	ch <- prometheus.MustNewConstMetric(descriptors[pagesSharingDesc], prometheus.GaugeValue, float64(counters.PagesSharing()))
	ch <- prometheus.MustNewConstMetric(descriptors[pagesZeroSharingDesc], prometheus.GaugeValue, float64(counters.PagesZeroSharing()))
	ch <- prometheus.MustNewConstMetric(descriptors[pagesUnsharedDesc], prometheus.GaugeValue, float64(counters.PagesUnshared()))
	ch <- prometheus.MustNewConstMetric(descriptors[fullScansDesc], prometheus.CounterValue, float64(counters.FullScans()))
	ch <- prometheus.MustNewConstMetric(descriptors[stableNodesDesc], prometheus.GaugeValue, float64(counters.StableNodes()))
	ch <- prometheus.MustNewConstMetric(descriptors[rmapItemsDesc], prometheus.GaugeValue, float64(counters.RmapItems()))
	ch <- prometheus.MustNewConstMetric(descriptors[mergeRateDesc], prometheus.GaugeValue, c.e.mergeRate.EWMA())
}

// RegisterMetrics registers e's counters as a named Prometheus
// collector, pulled in through pkg/metrics the same way every other
// collector in this tree is.
func (e *Engine) RegisterMetrics() error {
	return metrics.RegisterCollector("ksm", func() (prometheus.Collector, error) {
		return NewCollector(e), nil
	})
}
