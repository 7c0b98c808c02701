package kvmux

import "fmt"

// RetryReason describes why a request was retried.
type RetryReason uint8

const (
	RetryReasonUnknown RetryReason = iota
	RetryReasonSocketNotAvailable
	RetryReasonServiceNotAvailable
	RetryReasonNodeNotAvailable
	RetryReasonKVNotMyVbucket
	RetryReasonKVCollectionOutdated
	RetryReasonKVErrorMapRetry
	RetryReasonKVLocked
	RetryReasonKVTemporaryFailure
	RetryReasonKVSyncWriteInProgress
	RetryReasonKVSyncWriteRecommitInProgress
	RetryReasonServiceResponseCodeIndicated
	RetryReasonSocketCloseInFlight
	RetryReasonPipelineOverloaded
	RetryReasonCircuitBreakerOpen
	RetryReasonQueryIndexNotFound
	RetryReasonQueryPreparedStatementFailure
	RetryReasonQueryErrorRetryable
	RetryReasonAnalyticsTemporaryFailure
	RetryReasonSearchTooManyRequests
	RetryReasonNotReady
	RetryReasonNoPipelineSnapshot
	RetryReasonBucketNotReady
	RetryReasonConnectionError
	RetryReasonMcbpWriteFailure
)

var retryReasonNames = map[RetryReason]string{
	RetryReasonUnknown:                       "unknown",
	RetryReasonSocketNotAvailable:            "socket_not_available",
	RetryReasonServiceNotAvailable:           "service_not_available",
	RetryReasonNodeNotAvailable:              "node_not_available",
	RetryReasonKVNotMyVbucket:                "key_value_not_my_vbucket",
	RetryReasonKVCollectionOutdated:          "key_value_collection_outdated",
	RetryReasonKVErrorMapRetry:               "key_value_error_map_retry",
	RetryReasonKVLocked:                      "key_value_locked",
	RetryReasonKVTemporaryFailure:            "key_value_temporary_failure",
	RetryReasonKVSyncWriteInProgress:         "key_value_sync_write_in_progress",
	RetryReasonKVSyncWriteRecommitInProgress: "key_value_sync_write_recommit_in_progress",
	RetryReasonServiceResponseCodeIndicated:  "service_response_code_indicated",
	RetryReasonSocketCloseInFlight:           "socket_close_in_flight",
	RetryReasonPipelineOverloaded:            "pipeline_overloaded",
	RetryReasonCircuitBreakerOpen:            "circuit_breaker_open",
	RetryReasonQueryIndexNotFound:            "query_index_not_found",
	RetryReasonQueryPreparedStatementFailure: "query_prepared_statement_failure",
	RetryReasonQueryErrorRetryable:           "query_error_retryable",
	RetryReasonAnalyticsTemporaryFailure:     "analytics_temporary_failure",
	RetryReasonSearchTooManyRequests:         "search_too_many_requests",
	RetryReasonNotReady:                      "not_ready",
	RetryReasonNoPipelineSnapshot:            "no_pipeline_snapshot",
	RetryReasonBucketNotReady:                "bucket_not_ready",
	RetryReasonConnectionError:               "connection_error",
	RetryReasonMcbpWriteFailure:              "mcbp_write_failure",
}

func (reason RetryReason) String() string {
	if name, ok := retryReasonNames[reason]; ok {
		return name
	}
	return fmt.Sprintf("invalid(%d)", uint8(reason))
}

// AllowsNonIdempotentRetry returns whether a request which is not
// idempotent may be retried for this reason.  Only reasons where the
// request might already have been executed by the server forbid it.
func (reason RetryReason) AllowsNonIdempotentRetry() bool {
	switch reason {
	case RetryReasonUnknown, RetryReasonSocketCloseInFlight:
		return false
	}
	_, known := retryReasonNames[reason]
	return known
}

// AlwaysRetry returns whether the request is retried regardless of its
// retry strategy.
func (reason RetryReason) AlwaysRetry() bool {
	switch reason {
	case RetryReasonKVNotMyVbucket,
		RetryReasonKVCollectionOutdated,
		RetryReasonPipelineOverloaded,
		RetryReasonNotReady,
		RetryReasonMcbpWriteFailure:
		return true
	}
	return false
}
