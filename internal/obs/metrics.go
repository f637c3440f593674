// Copyright 2025 Ceramic Anchor Service
//
// Package obs standardizes the metric names emitted across the anchor
// pipeline, so every reporter increments the same counter instead of
// inventing its own name. anchor.Service is the only component that
// records them.

package obs

// Metric is a well-known counter/gauge name emitted by the anchor service.
type Metric string

const (
	// ReadyBatchSize records the number of requests included in a ready
	// batch at claim time.
	ReadyBatchSize Metric = "cas_ready_batch_size"

	// RevertToPending counts batches reverted from PROCESSING back to
	// PENDING because the batch was too small and not yet delay-forced.
	RevertToPending Metric = "cas_revert_to_pending_total"

	// ErrorEth counts blockchain submission failures that exhausted all
	// retries.
	ErrorEth Metric = "cas_error_eth_total"

	// AnchorDuration records the wall-clock duration of one anchorRequests()
	// pipeline run.
	AnchorDuration Metric = "cas_anchor_duration_seconds"

	// RequestsAnchored counts requests that reached COMPLETED.
	RequestsAnchored Metric = "cas_requests_anchored_total"
)

// Recorder is the minimal interface the pipeline uses to emit metrics. It
// is intentionally narrow so tests can substitute a no-op or in-memory
// implementation without pulling in a metrics backend.
type Recorder interface {
	Inc(metric Metric, delta float64)
	Observe(metric Metric, value float64)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func (NopRecorder) Inc(Metric, float64)     {}
func (NopRecorder) Observe(Metric, float64) {}
