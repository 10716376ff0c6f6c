// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chatsync"

// Metrics holds the sync engine's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Fetches       *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	SkippedTicks  *prometheus.CounterVec
	StaleDiscards *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	Unread        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, unless reg
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Sync channel runs by channel and result.",
		}, []string{"channel", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of sync channel runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		SkippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_ticks_total",
			Help:      "Ticks dropped because the previous run was still in flight.",
		}, []string{"channel"}),
		StaleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_discards_total",
			Help:      "Responses dropped because a newer one was already applied.",
		}, []string{"store"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sends_total",
			Help:      "Message sends by result.",
		}, []string{"result"}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "unread_conversations",
			Help:      "Unread conversations reported by the server.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Fetches, m.FetchDuration, m.SkippedTicks, m.StaleDiscards, m.Sends, m.Unread)
	}
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) observeFetch(channel string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(channel, resultLabel(err)).Inc()
	m.FetchDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

func (m *Metrics) skippedTick(channel string) {
	if m == nil {
		return
	}
	m.SkippedTicks.WithLabelValues(channel).Inc()
}

func (m *Metrics) staleDiscard(store string) {
	if m == nil {
		return
	}
	m.StaleDiscards.WithLabelValues(store).Inc()
}

func (m *Metrics) observeSend(err error) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) setUnread(count int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(count))
}
