package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodePassphrase    = "INCORRECT_PASSPHRASE"
	ErrCodeEnvelope      = "MALFORMED_ENVELOPE"
	ErrCodeSchemaVersion = "SCHEMA_VERSION_MISMATCH"
	ErrCodeTask          = "TASK_FAILURE"
)

// Sentinel errors
var (
	ErrTransport           = errors.New("transport failure")
	ErrIncorrectPassphrase = errors.New("incorrect passphrase")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrSchemaVersion       = errors.New("schema version mismatch")
	ErrTaskFailed          = errors.New("sync task failed")

	ErrLocked            = errors.New("keyring is locked")
	ErrUnlockInProgress  = errors.New("unlock already in progress")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNotFound          = errors.New("not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNoCluster         = errors.New("no storage cluster assigned")
	ErrNoPayload         = errors.New("envelope has no payload")
)

// RemoteError is a failed fetch against the storage service. A zero
// StatusCode means the request never produced an HTTP response.
type RemoteError struct {
	StatusCode int    `json:"status"`
	Message    string `json:"message"`
	URL        string `json:"url,omitempty"`
	Err        error  `json:"-"`
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote error (%s): %s", e.URL, e.Message)
	}
	return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.URL, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is reports every remote error as a transport failure.
func (e *RemoteError) Is(target error) bool {
	return target == ErrTransport
}

// Retryable reports whether repeating the same request may succeed.
func (e *RemoteError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode >= 500 && e.StatusCode < 600)
}

// MalformedEnvelopeError marks a single record whose payload could not be
// read. The record is lost; the surrounding batch carries on.
type MalformedEnvelopeError struct {
	ID     string
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope %s: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope %s: %s", e.ID, e.Reason)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Err
}

func (e *MalformedEnvelopeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

// SchemaVersionMismatchError reports a local table whose recorded version
// differs from the version declared by its row type.
type SchemaVersionMismatchError struct {
	Table    string
	Stored   string
	Declared string
}

func (e *SchemaVersionMismatchError) Error() string {
	return fmt.Sprintf("table %s: stored schema version %q, declared %q",
		e.Table, e.Stored, e.Declared)
}

func (e *SchemaVersionMismatchError) Is(target error) bool {
	return target == ErrSchemaVersion
}

// TaskFailure wraps the error that aborted one sync task. The task stays
// unprocessed.
type TaskFailure struct {
	TaskUUID   string
	BatchUUID  string
	BatchIndex int
	Collection string
	Phase      string
	Err        error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("sync %s [%s]: %s batch %s:%d: %v",
		e.Phase, ErrCodeTask, e.Collection, e.BatchUUID, e.BatchIndex, e.Err)
}

func (e *TaskFailure) Unwrap() error {
	return e.Err
}

func (e *TaskFailure) Is(target error) bool {
	return target == ErrTaskFailed
}

// ErrorCode maps an error onto one of the codes above.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncorrectPassphrase):
		return ErrCodePassphrase
	case errors.Is(err, ErrMalformedEnvelope):
		return ErrCodeEnvelope
	case errors.Is(err, ErrSchemaVersion):
		return ErrCodeSchemaVersion
	case errors.Is(err, ErrTaskFailed):
		return ErrCodeTask
	case errors.Is(err, ErrTransport):
		return ErrCodeTransport
	default:
		return ""
	}
}
