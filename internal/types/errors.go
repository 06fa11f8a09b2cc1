package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccessMode      = errors.New("invalid access mode")
	ErrInvalidVersion         = errors.New("invalid version")
	ErrLeaseAcquisitionFailed = errors.New("lease acquisition failed")
	ErrAccessDenied           = errors.New("access denied")
	ErrSizeMismatch           = errors.New("sample count does not match block size")
	ErrUnknownVoxelType       = errors.New("unknown voxel type")
	ErrTruncatedPayload       = errors.New("truncated payload")
	ErrNetworkFailure         = errors.New("network failure")
	ErrLeaseExpired           = errors.New("lease expired")
	ErrVoxelTypeMismatch      = errors.New("voxel type mismatch")
	ErrInvalidDataset         = errors.New("no dataset specified")
)

// LeaseAcquisitionError is returned when the registration service answers
// with anything other than a redirect to a new endpoint.
type LeaseAcquisitionError struct {
	URL    string
	Status int
}

func (e *LeaseAcquisitionError) Error() string {
	return fmt.Sprintf("lease acquisition failed: %s returned HTTP %d", e.URL, e.Status)
}

func (e *LeaseAcquisitionError) Is(target error) bool {
	return target == ErrLeaseAcquisitionFailed
}

// StatusError reports a non-2xx response to a block or dataset request.
type StatusError struct {
	Op     string
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Op, e.URL, e.Status)
}

// NetworkError wraps a transport failure. It matches both ErrNetworkFailure
// and the underlying cause.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetworkFailure, e.Err}
}
