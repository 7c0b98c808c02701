package kvmux

import (
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
)

var (
	ErrOperationQueueClosed = errors.New("operation queue closed")
	ErrOperationQueueFull   = errors.New("operation queue full")
	ErrRequestAlreadyQueued = errors.New("request already queued")
	ErrRequestCancelled     = errors.New("request cancelled")
	ErrPipelineClosed       = errors.New("pipeline closed")
	ErrPipelineFull         = errors.New("pipeline full")
	ErrNoCCCPHosts          = errors.New("no cccp hosts available")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker open")
	ErrSocketClosed         = errors.New("socket closed")
	ErrShutdown             = errors.New("shutdown")
	ErrTimeout              = errors.New("timeout")
)

// Errors derived from response status codes.
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDocumentExists      = errors.New("document exists")
	ErrDocumentLocked      = errors.New("document locked")
	ErrValueTooLarge       = errors.New("value too large")
	ErrInvalidArgs         = errors.New("invalid arguments")
	ErrNotStored           = errors.New("not stored")
	ErrNotMyVbucket        = errors.New("not my vbucket")
	ErrNoBucket            = errors.New("no bucket selected")
	ErrAccessDenied        = errors.New("access denied")
	ErrTemporaryFailure    = errors.New("temporary failure")
	ErrUnsupportedCommand  = errors.New("unsupported command")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrScopeNotFound       = errors.New("scope not found")
	ErrSyncWriteInProgress = errors.New("sync write in progress")
	ErrSyncWriteAmbiguous  = errors.New("sync write ambiguous")
	ErrInternalServerError = errors.New("internal server error")
)

func statusToError(status mcbp.StatusCode) error {
	switch status {
	case memd.StatusKeyNotFound:
		return ErrDocumentNotFound
	case memd.StatusKeyExists:
		return ErrDocumentExists
	case memd.StatusLocked:
		return ErrDocumentLocked
	case memd.StatusTooBig:
		return ErrValueTooLarge
	case memd.StatusInvalidArgs:
		return ErrInvalidArgs
	case memd.StatusNotStored:
		return ErrNotStored
	case memd.StatusNotMyVBucket:
		return ErrNotMyVbucket
	case memd.StatusNoBucket:
		return ErrNoBucket
	case memd.StatusAccessError:
		return ErrAccessDenied
	case memd.StatusTmpFail, memd.StatusBusy, memd.StatusOutOfMemory:
		return ErrTemporaryFailure
	case memd.StatusUnknownCommand, memd.StatusNotSupported:
		return ErrUnsupportedCommand
	case memd.StatusCollectionUnknown:
		return ErrCollectionNotFound
	case memd.StatusScopeUnknown:
		return ErrScopeNotFound
	case memd.StatusSyncWriteInProgress, memd.StatusSyncWriteReCommitInProgress:
		return ErrSyncWriteInProgress
	case memd.StatusSyncWriteAmbiguous:
		return ErrSyncWriteAmbiguous
	}
	return ErrInternalServerError
}

// KeyValueError wraps a failure with the details of the request it
// belonged to.
type KeyValueError struct {
	InnerError         error
	StatusCode         mcbp.StatusCode
	DocumentKey        string
	CollectionID       uint32
	Opaque             uint32
	RetryReasons       []RetryReason
	RetryAttempts      uint32
	LastDispatchedTo   string
	LastDispatchedFrom string
	LastConnectionID   string

	ErrorName        string
	ErrorDescription string
	Ref              string
	Context          string
}

func (e KeyValueError) Error() string {
	var out strings.Builder
	out.WriteString(e.InnerError.Error())
	fmt.Fprintf(&out, " | {status: %s, opaque: 0x%x", e.StatusCode, e.Opaque)
	if e.DocumentKey != "" {
		fmt.Fprintf(&out, ", key: %q", e.DocumentKey)
	}
	if e.ErrorName != "" {
		fmt.Fprintf(&out, ", name: %s, description: %q", e.ErrorName, e.ErrorDescription)
	}
	if e.Ref != "" {
		fmt.Fprintf(&out, ", ref: %s", e.Ref)
	}
	if e.Context != "" {
		fmt.Fprintf(&out, ", context: %q", e.Context)
	}
	if len(e.RetryReasons) > 0 {
		reasons := make([]string, len(e.RetryReasons))
		for i, reason := range e.RetryReasons {
			reasons[i] = reason.String()
		}
		fmt.Fprintf(&out, ", retries: %d [%s]", e.RetryAttempts, strings.Join(reasons, ","))
	}
	if e.LastDispatchedTo != "" {
		fmt.Fprintf(&out, ", dispatched to: %s, from: %s, conn: %s",
			e.LastDispatchedTo, e.LastDispatchedFrom, e.LastConnectionID)
	}
	out.WriteString("}")
	return out.String()
}

func (e KeyValueError) Unwrap() error {
	return e.InnerError
}

// makeKeyValueError builds the error returned to callers for a failed
// response.
func makeKeyValueError(innerErr error, resp *mcbp.Packet, req *QueueRequest) *KeyValueError {
	retryAttempts, retryReasons := req.Retries()
	connInfo := req.ConnectionInfo()

	kvErr := &KeyValueError{
		InnerError:         innerErr,
		DocumentKey:        string(req.Key),
		CollectionID:       req.CollectionID,
		Opaque:             req.Opaque,
		RetryReasons:       retryReasons,
		RetryAttempts:      retryAttempts,
		LastDispatchedTo:   connInfo.DispatchedTo,
		LastDispatchedFrom: connInfo.DispatchedFrom,
		LastConnectionID:   connInfo.ConnectionID,
	}
	if resp != nil {
		kvErr.StatusCode = resp.Status
		kvErr.Ref, kvErr.Context = parseErrorContext(resp)
	}

	return kvErr
}
