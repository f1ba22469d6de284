// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package rdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

type (
	collector struct {
		client *Client

		hitsTotal        *prometheus.Desc
		missesTotal      *prometheus.Desc
		timeoutsTotal    *prometheus.Desc
		totalConnections *prometheus.Desc
		idleConnections  *prometheus.Desc
		staleConnections *prometheus.Desc
	}

	poolTotals struct {
		hits, misses, timeouts uint64
		total, idle, stale     uint64
	}
)

var (
	_ prometheus.Collector = (*collector)(nil)
)

func newCollector(client *Client) *collector {
	labels := prometheus.Labels{"addr": client.addr}

	return &collector{
		client: client,

		hitsTotal: prometheus.NewDesc(
			"redis_pool_hits_total",
			"Cumulative count of times a free connection was found in the pool.",
			nil,
			labels,
		),
		missesTotal: prometheus.NewDesc(
			"redis_pool_misses_total",
			"Cumulative count of times a free connection was not found in the pool.",
			nil,
			labels,
		),
		timeoutsTotal: prometheus.NewDesc(
			"redis_pool_timeouts_total",
			"Cumulative count of times a wait for a connection timed out.",
			nil,
			labels,
		),
		totalConnections: prometheus.NewDesc(
			"redis_pool_total_connections",
			"Number of connections currently in the pools, across databases.",
			nil,
			labels,
		),
		idleConnections: prometheus.NewDesc(
			"redis_pool_idle_connections",
			"Number of idle connections currently in the pools, across databases.",
			nil,
			labels,
		),
		staleConnections: prometheus.NewDesc(
			"redis_pool_stale_connections",
			"Cumulative count of stale connections removed from the pools.",
			nil,
			labels,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(metrics chan<- prometheus.Metric) {
	var t poolTotals
	for _, s := range c.client.poolStats() {
		t.hits += uint64(s.Hits)
		t.misses += uint64(s.Misses)
		t.timeouts += uint64(s.Timeouts)
		t.total += uint64(s.TotalConns)
		t.idle += uint64(s.IdleConns)
		t.stale += uint64(s.StaleConns)
	}

	metrics <- prometheus.MustNewConstMetric(
		c.hitsTotal,
		prometheus.CounterValue,
		float64(t.hits),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.missesTotal,
		prometheus.CounterValue,
		float64(t.misses),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.timeoutsTotal,
		prometheus.CounterValue,
		float64(t.timeouts),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.totalConnections,
		prometheus.GaugeValue,
		float64(t.total),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.idleConnections,
		prometheus.GaugeValue,
		float64(t.idle),
	)
	metrics <- prometheus.MustNewConstMetric(
		c.staleConnections,
		prometheus.CounterValue,
		float64(t.stale),
	)
}
