/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/kvrouting/pkg/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const modulePath = "github.com/couchbase/kvrouting"

type KvrMetrics struct {
	ConfigUpdates      metric.Int64Counter
	ConfigRejected     metric.Int64Counter
	QueuePushes        metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	InflightRequests   metric.Int64UpDownCounter
	PipelineReconnects metric.Int64Counter
}

var (
	kvrMetrics     *KvrMetrics
	kvrMetricsLock sync.Mutex
)

// GetKvrMetrics returns the process wide instruments, creating them from
// the global meter provider on first use.
func GetKvrMetrics() *KvrMetrics {
	kvrMetricsLock.Lock()

	if kvrMetrics != nil {
		kvrMetricsLock.Unlock()
		return kvrMetrics
	}

	kvrMetrics = newKvrMetrics(otel.GetMeterProvider())

	kvrMetricsLock.Unlock()
	return kvrMetrics
}

// NewKvrMetrics creates instruments from a specific provider, primarily for
// use by tests which want to read the values back.
func NewKvrMetrics(provider metric.MeterProvider) *KvrMetrics {
	return newKvrMetrics(provider)
}

var buildVersion string = buildversion.GetVersion(modulePath)

func newKvrMetrics(provider metric.MeterProvider) *KvrMetrics {
	meter := provider.Meter(
		"com.couchbase.kvrouting",
		metric.WithInstrumentationVersion(buildVersion))

	configUpdates, _ := meter.Int64Counter("kvr_config_updates_total",
		metric.WithDescription("Route configs accepted and sent to watchers"))
	configRejected, _ := meter.Int64Counter("kvr_config_rejected_total",
		metric.WithDescription("Route configs which were invalid or not newer than the current one"))
	queuePushes, _ := meter.Int64Counter("kvr_queue_pushes_total",
		metric.WithDescription("Requests pushed to pipeline queues, by result"))
	breakerTransitions, _ := meter.Int64Counter("kvr_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions, by new state"))
	inflightRequests, _ := meter.Int64UpDownCounter("kvr_inflight_requests",
		metric.WithDescription("Requests written to a connection and awaiting a response"))
	pipelineReconnects, _ := meter.Int64Counter("kvr_pipeline_reconnects_total",
		metric.WithDescription("Connection attempts made by pipeline clients"))

	return &KvrMetrics{
		ConfigUpdates:      configUpdates,
		ConfigRejected:     configRejected,
		QueuePushes:        queuePushes,
		BreakerTransitions: breakerTransitions,
		InflightRequests:   inflightRequests,
		PipelineReconnects: pipelineReconnects,
	}
}

// ResultAttr is the attribute set recording the outcome of an operation.
func ResultAttr(result string) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("result", result)))
}

// StateAttr is the attribute set recording a circuit breaker state.
func StateAttr(state string) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("state", state)))
}
