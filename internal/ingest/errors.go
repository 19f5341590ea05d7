package ingest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a queried record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTaskRunning is returned when a guarded task is already in flight.
	ErrTaskRunning = errors.New("task already running")
)

// ErrorKind classifies vendor fetch failures.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindAuth
	KindForbidden
	KindRateLimited
	KindMalformed
	KindUnexpectedStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindUnexpectedStatus:
		return "unexpected_status"
	default:
		return "transient"
	}
}

// FetchError is the error every VendorClient returns on failure.
type FetchError struct {
	Vendor     Vendor
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the server-requested delay for KindRateLimited, zero if absent.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Vendor, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError of the given kind.
func NewFetchError(vendor Vendor, kind ErrorKind, status int, err error) *FetchError {
	return &FetchError{Vendor: vendor, Kind: kind, StatusCode: status, Err: err}
}

// IsKind reports whether err carries a FetchError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// StorageWriteError wraps a failed single-row write.
type StorageWriteError struct {
	StationID uint
	SensorID  uint
	Hour      time.Time
	Err       error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write measurement station=%d sensor=%d hour=%s: %v",
		e.StationID, e.SensorID, e.Hour.Format(time.RFC3339), e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}
