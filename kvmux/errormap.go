package kvmux

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ErrorMapVersion is the error map format version requested from the
// server.
const ErrorMapVersion = 2

// Error map attributes which mark a status as safe to retry.
const (
	ErrorAttributeAutoRetry  = "auto-retry"
	ErrorAttributeRetryNow   = "retry-now"
	ErrorAttributeRetryLater = "retry-later"
)

// ErrorMapRetry is the retry schedule the server suggests for a status.
type ErrorMapRetry struct {
	Strategy    string
	Interval    time.Duration
	After       time.Duration
	Ceil        time.Duration
	MaxDuration time.Duration
}

type ErrorMapError struct {
	Name        string
	Description string
	Attributes  []string
	Retry       *ErrorMapRetry
}

func (e *ErrorMapError) HasAttribute(attribute string) bool {
	return slices.Contains(e.Attributes, attribute)
}

// ErrorMap describes the statuses a server may return.
type ErrorMap struct {
	Version  uint32
	Revision uint32
	Errors   map[mcbp.StatusCode]ErrorMapError
}

type errorMapRetryJson struct {
	Strategy    string `json:"strategy"`
	Interval    uint64 `json:"interval"`
	After       uint64 `json:"after"`
	Ceil        uint64 `json:"ceil"`
	MaxDuration uint64 `json:"max-duration"`
}

type errorMapErrorJson struct {
	Name  string             `json:"name"`
	Desc  string             `json:"desc"`
	Attrs []string           `json:"attrs"`
	Retry *errorMapRetryJson `json:"retry,omitempty"`
}

type errorMapJson struct {
	Version  uint32                       `json:"version"`
	Revision uint32                       `json:"revision"`
	Errors   map[string]errorMapErrorJson `json:"errors"`
}

// ParseErrorMap parses the value of a GetErrorMap response.  Status codes
// are keyed by their hex representation.
func ParseErrorMap(data []byte) (*ErrorMap, error) {
	if len(data) == 0 {
		return nil, errors.New("empty error map")
	}

	var mapJson errorMapJson
	err := json.Unmarshal(data, &mapJson)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse error map")
	}

	errMap := &ErrorMap{
		Version:  mapJson.Version,
		Revision: mapJson.Revision,
		Errors:   make(map[mcbp.StatusCode]ErrorMapError, len(mapJson.Errors)),
	}
	for codeStr, errJson := range mapJson.Errors {
		code, err := strconv.ParseUint(codeStr, 16, 16)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid status code %q in error map", codeStr)
		}

		entry := ErrorMapError{
			Name:        errJson.Name,
			Description: errJson.Desc,
			Attributes:  errJson.Attrs,
		}
		if errJson.Retry != nil {
			entry.Retry = &ErrorMapRetry{
				Strategy:    errJson.Retry.Strategy,
				Interval:    time.Duration(errJson.Retry.Interval) * time.Millisecond,
				After:       time.Duration(errJson.Retry.After) * time.Millisecond,
				Ceil:        time.Duration(errJson.Retry.Ceil) * time.Millisecond,
				MaxDuration: time.Duration(errJson.Retry.MaxDuration) * time.Millisecond,
			}
		}

		errMap.Errors[mcbp.StatusCode(code)] = entry
	}

	return errMap, nil
}

// ErrorMapManager holds the newest error map fetched from any connection
// and uses it to classify failed responses.
type ErrorMapManager struct {
	logger *zap.Logger
	errMap atomic.Pointer[ErrorMap]
}

func NewErrorMapManager(logger *zap.Logger) *ErrorMapManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ErrorMapManager{
		logger: logger,
	}
}

// StoreErrorMap parses and stores data unless a map with the same or a
// newer revision is already held.
func (m *ErrorMapManager) StoreErrorMap(data []byte) {
	newMap, err := ParseErrorMap(data)
	if err != nil {
		m.logger.Debug("failed to parse error map", zap.Error(err))
		return
	}

	for {
		oldMap := m.errMap.Load()
		if oldMap != nil && oldMap.Revision >= newMap.Revision {
			return
		}

		if m.errMap.CompareAndSwap(oldMap, newMap) {
			m.logger.Debug("stored error map",
				zap.Uint32("version", newMap.Version),
				zap.Uint32("revision", newMap.Revision),
				zap.Int("numErrors", len(newMap.Errors)))
			return
		}
	}
}

// ErrorMap returns the current map, or nil if none has been stored.
func (m *ErrorMapManager) ErrorMap() *ErrorMap {
	return m.errMap.Load()
}

func (m *ErrorMapManager) errorData(status mcbp.StatusCode) *ErrorMapError {
	errMap := m.errMap.Load()
	if errMap == nil {
		return nil
	}

	entry, ok := errMap.Errors[status]
	if !ok {
		return nil
	}
	return &entry
}

// ShouldRetry returns whether the error map marks status as retriable.
func (m *ErrorMapManager) ShouldRetry(status mcbp.StatusCode) bool {
	entry := m.errorData(status)
	if entry == nil {
		return false
	}

	return entry.HasAttribute(ErrorAttributeAutoRetry) ||
		entry.HasAttribute(ErrorAttributeRetryNow) ||
		entry.HasAttribute(ErrorAttributeRetryLater)
}

// EnhanceKvError adds the error map name and description of the response
// status to a KeyValueError.  Other errors are returned unchanged.
func (m *ErrorMapManager) EnhanceKvError(err error, resp *mcbp.Packet) error {
	var kvErr *KeyValueError
	if resp == nil || !errors.As(err, &kvErr) {
		return err
	}

	if entry := m.errorData(resp.Status); entry != nil {
		kvErr.ErrorName = entry.Name
		kvErr.ErrorDescription = entry.Description
	}

	return err
}

// parseErrorContext extracts the error reference and context the server
// attaches to JSON error bodies.
func parseErrorContext(resp *mcbp.Packet) (ref, context string) {
	if memd.DatatypeFlag(resp.Datatype)&memd.DatatypeFlagJSON == 0 || len(resp.Value) == 0 {
		return "", ""
	}

	var body struct {
		Error struct {
			Context string `json:"context"`
			Ref     string `json:"ref"`
		} `json:"error"`
	}
	err := json.Unmarshal(resp.Value, &body)
	if err != nil {
		return "", ""
	}

	return body.Error.Ref, body.Error.Context
}
