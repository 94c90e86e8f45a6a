// Package metrics publishes process counters through expvar.
package metrics

import (
	"expvar"
	"time"
)

var (
	// Ingestion metrics
	IngestRequests = expvar.NewMap("ingest_requests")
	EventsReceived = expvar.NewInt("events_received_total")
	EventsDropped  = expvar.NewInt("events_dropped_total")
	EventsQueued   = expvar.NewInt("events_queued_total")
	BytesReceived  = expvar.NewInt("bytes_received_total")
	QueueDepth     = expvar.NewInt("queue_depth")

	// Kafka metrics
	RecordsProduced = expvar.NewInt("records_produced_total")
	ProduceRetries  = expvar.NewInt("produce_retries_total")
	RecordsConsumed = expvar.NewInt("records_consumed_total")
	CommitFailures  = expvar.NewInt("commit_failures_total")

	// Collector delivery metrics
	HecBatches        = expvar.NewMap("hec_batches")
	HecBytesForwarded = expvar.NewInt("hec_bytes_forwarded")
	HecRetries        = expvar.NewInt("hec_retries_total")

	// Codec metrics
	PlanCache = expvar.NewMap("plan_cache")

	// System metrics
	StartTime = expvar.NewInt("start_time_seconds")
	Version   = expvar.NewString("version_info")
)

// Init initialises system metrics that should be set once at startup.
func Init(versionString string) {
	StartTime.Set(time.Now().Unix())
	Version.Set(versionString)
}
