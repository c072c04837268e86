// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendOperationsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "objstore",
			Name:      "backend_operations_started_total",
			Help:      "Total number of operations started on object store backends.",
		},
		[]string{"pool", "operation"})
	backendOperationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rbdio",
			Subsystem: "objstore",
			Name:      "backend_operations_failed_total",
			Help:      "Total number of operations on object store backends which returned an error other than not found.",
		},
		[]string{"pool", "operation"})
	backendOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rbdio",
			Subsystem: "objstore",
			Name:      "backend_operations_duration_seconds",
			Help:      "Amount of time spent per operation on object store backends, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"pool", "operation"})
)

func init() {
	prometheus.MustRegister(backendOperationsStartedTotal)
	prometheus.MustRegister(backendOperationsFailedTotal)
	prometheus.MustRegister(backendOperationsDurationSeconds)
}

type operationMetrics struct {
	started  prometheus.Counter
	failed   prometheus.Counter
	duration prometheus.Observer
}

func newOperationMetrics(pool, operation string) operationMetrics {
	return operationMetrics{
		started:  backendOperationsStartedTotal.WithLabelValues(pool, operation),
		failed:   backendOperationsFailedTotal.WithLabelValues(pool, operation),
		duration: backendOperationsDurationSeconds.WithLabelValues(pool, operation),
	}
}

func (m *operationMetrics) observe(timeStart time.Time, err error) {
	m.duration.Observe(time.Since(timeStart).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.failed.Inc()
	}
}

type metricsBackend struct {
	backend Backend

	read, write, writeFull, stat operationMetrics
	omapGet, omapSet, omapRemove operationMetrics
	remove                       operationMetrics
}

// NewMetricsBackend creates an adapter for Backend that adds basic
// instrumentation in the form of Prometheus metrics.
func NewMetricsBackend(backend Backend, pool string) Backend {
	return &metricsBackend{
		backend:    backend,
		read:       newOperationMetrics(pool, "Read"),
		write:      newOperationMetrics(pool, "Write"),
		writeFull:  newOperationMetrics(pool, "WriteFull"),
		stat:       newOperationMetrics(pool, "Stat"),
		omapGet:    newOperationMetrics(pool, "OmapGet"),
		omapSet:    newOperationMetrics(pool, "OmapSet"),
		omapRemove: newOperationMetrics(pool, "OmapRemove"),
		remove:     newOperationMetrics(pool, "Remove"),
	}
}

func (b *metricsBackend) Read(ctx context.Context, oid string, snap SnapID, buf []byte, off uint64) (int, error) {
	b.read.started.Inc()
	timeStart := time.Now()
	n, err := b.backend.Read(ctx, oid, snap, buf, off)
	b.read.observe(timeStart, err)
	return n, err
}

func (b *metricsBackend) Write(ctx context.Context, oid string, snapc SnapContext, data []byte, off uint64) error {
	b.write.started.Inc()
	timeStart := time.Now()
	err := b.backend.Write(ctx, oid, snapc, data, off)
	b.write.observe(timeStart, err)
	return err
}

func (b *metricsBackend) WriteFull(ctx context.Context, oid string, snapc SnapContext, data []byte) error {
	b.writeFull.started.Inc()
	timeStart := time.Now()
	err := b.backend.WriteFull(ctx, oid, snapc, data)
	b.writeFull.observe(timeStart, err)
	return err
}

func (b *metricsBackend) Stat(ctx context.Context, oid string, snap SnapID) (ObjectStat, error) {
	b.stat.started.Inc()
	timeStart := time.Now()
	st, err := b.backend.Stat(ctx, oid, snap)
	b.stat.observe(timeStart, err)
	return st, err
}

func (b *metricsBackend) OmapGet(ctx context.Context, oid string) (map[string][]byte, error) {
	b.omapGet.started.Inc()
	timeStart := time.Now()
	pairs, err := b.backend.OmapGet(ctx, oid)
	b.omapGet.observe(timeStart, err)
	return pairs, err
}

func (b *metricsBackend) OmapSet(ctx context.Context, oid string, pairs map[string][]byte) error {
	b.omapSet.started.Inc()
	timeStart := time.Now()
	err := b.backend.OmapSet(ctx, oid, pairs)
	b.omapSet.observe(timeStart, err)
	return err
}

func (b *metricsBackend) OmapRemove(ctx context.Context, oid string, keys []string) error {
	b.omapRemove.started.Inc()
	timeStart := time.Now()
	err := b.backend.OmapRemove(ctx, oid, keys)
	b.omapRemove.observe(timeStart, err)
	return err
}

func (b *metricsBackend) Remove(ctx context.Context, oid string, snapc SnapContext) error {
	b.remove.started.Inc()
	timeStart := time.Now()
	err := b.backend.Remove(ctx, oid, snapc)
	b.remove.observe(timeStart, err)
	return err
}

// Version is forwarded so the decorator does not hide versioning support of
// the wrapped backend.
func (b *metricsBackend) Version(ctx context.Context, oid string) (uint64, error) {
	if v, ok := b.backend.(Versioner); ok {
		return v.Version(ctx, oid)
	}

	return 0, nil
}

type metricsCluster struct {
	Cluster
}

// NewMetricsCluster wraps every pool returned by the cluster with
// NewMetricsBackend(), labeled by the pool name.
func NewMetricsCluster(cluster Cluster) Cluster {
	return &metricsCluster{Cluster: cluster}
}

func (c *metricsCluster) PreservesSnapshots() bool {
	return SupportsSnapshots(c.Cluster)
}

func (c *metricsCluster) Pool(id int64) (Backend, error) {
	b, err := c.Cluster.Pool(id)
	if err != nil {
		return nil, err
	}

	name, err := c.Cluster.PoolName(id)
	if err != nil {
		return nil, err
	}

	return NewMetricsBackend(b, name), nil
}
