package models

import "time"

// Usage carries token accounting for one completed attempt.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NormalizedResult is the provider-agnostic response returned to callers.
type NormalizedResult struct {
	Content      string    `json:"content"`
	Embedding    []float64 `json:"embedding,omitzero"`
	Images       []string  `json:"images,omitzero"`
	ProviderID   string    `json:"provider_id"`
	ModelID      string    `json:"model_id"`
	Usage        Usage     `json:"usage"`
	FinishReason string    `json:"finish_reason,omitzero"`
	CacheTier    string    `json:"cache_tier,omitzero"`
}

// ResultChunk is one element of a streaming response. Usage is populated
// only on the final chunk.
type ResultChunk struct {
	DeltaContent string `json:"delta_content"`
	IsFinal      bool   `json:"is_final"`
	Usage        *Usage `json:"usage,omitzero"`
}

// AttemptOutcome classifies how one routing attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeRetryableFailure AttemptOutcome = "retryable_failure"
	OutcomeFatalFailure     AttemptOutcome = "fatal_failure"
	OutcomeSkippedOpen      AttemptOutcome = "skipped_circuit_open"
	// OutcomeCanceled marks an attempt cut short by the caller: a client
	// disconnect or abandoned stream, never provider unhealthiness.
	OutcomeCanceled AttemptOutcome = "canceled"
)

// RoutingAttempt records one candidate tried during a single request. The
// full attempt history is visible to the telemetry sink only, never returned
// to the caller.
type RoutingAttempt struct {
	RequestID  string         `json:"request_id"`
	ProviderID string         `json:"provider_id"`
	ModelID    string         `json:"model_id"`
	Capability Capability     `json:"capability"`
	Outcome    AttemptOutcome `json:"outcome"`
	ErrorKind  ErrorKind      `json:"error_kind,omitzero"`
	Latency    time.Duration  `json:"latency"`
	Usage      Usage          `json:"usage"`
	Caller     CallerContext  `json:"caller,omitzero"`
	Timestamp  time.Time      `json:"timestamp"`
}
