// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rbd

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	imageRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "rbd",
			Name:      "image_requests_total",
			Help:      "Total number of image requests, by direction and origin.",
		},
		[]string{"direction", "origin"})
	objectRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "rbd",
			Name:      "object_requests_total",
			Help:      "Total number of object requests submitted, by operation.",
		},
		[]string{"operation"})
	layeringOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "rbd",
			Name:      "layering_operations_total",
			Help:      "Total number of existence probes, parent reads and copy-ups.",
		},
		[]string{"operation"})
	headerRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "rbd",
			Name:      "header_refreshes_total",
			Help:      "Total number of image header refreshes, by result.",
		},
		[]string{"result"})
	liveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rbdio",
			Subsystem: "rbd",
			Name:      "live_requests",
			Help:      "Number of image and object requests which were not destroyed yet.",
		},
		[]string{"kind"})
)

func init() {
	prometheus.MustRegister(imageRequestsTotal)
	prometheus.MustRegister(objectRequestsTotal)
	prometheus.MustRegister(layeringOperationsTotal)
	prometheus.MustRegister(headerRefreshesTotal)
	prometheus.MustRegister(liveRequests)
}

var (
	liveImageRequests  = liveRequests.WithLabelValues("image")
	liveObjectRequests = liveRequests.WithLabelValues("object")

	existenceProbesTotal = layeringOperationsTotal.WithLabelValues("existence_probe")
	parentReadsTotal     = layeringOperationsTotal.WithLabelValues("parent_read")
	fullParentReadsTotal = layeringOperationsTotal.WithLabelValues("full_parent_read")
	copyupsTotal         = layeringOperationsTotal.WithLabelValues("copyup")
)

// Per device counters. The prometheus metrics above are process wide, these
// make it possible to reason about one device.
type stats struct {
	imageRequests   atomic.Int64
	objectRequests  atomic.Int64
	existenceProbes atomic.Uint64
	parentReads     atomic.Uint64
	fullParentReads atomic.Uint64
	copyups         atomic.Uint64
	refreshes       atomic.Uint64
}

// Stats is a point in time copy of device counters. Live counts cover
// requests created on the device which were not destroyed yet, child reads
// sent to a parent are counted by the parent device.
type Stats struct {
	LiveImageRequests  int64
	LiveObjectRequests int64
	ExistenceProbes    uint64
	ParentReads        uint64
	FullParentReads    uint64
	Copyups            uint64
	Refreshes          uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		LiveImageRequests:  s.imageRequests.Load(),
		LiveObjectRequests: s.objectRequests.Load(),
		ExistenceProbes:    s.existenceProbes.Load(),
		ParentReads:        s.parentReads.Load(),
		FullParentReads:    s.fullParentReads.Load(),
		Copyups:            s.copyups.Load(),
		Refreshes:          s.refreshes.Load(),
	}
}
