package hpcds

import "github.com/gftdcojp/hpcds/internal/types"

var (
	ErrInvalidAccessMode      = types.ErrInvalidAccessMode
	ErrInvalidVersion         = types.ErrInvalidVersion
	ErrLeaseAcquisitionFailed = types.ErrLeaseAcquisitionFailed
	ErrAccessDenied           = types.ErrAccessDenied
	ErrSizeMismatch           = types.ErrSizeMismatch
	ErrUnknownVoxelType       = types.ErrUnknownVoxelType
	ErrTruncatedPayload       = types.ErrTruncatedPayload
	ErrNetworkFailure         = types.ErrNetworkFailure
	ErrLeaseExpired           = types.ErrLeaseExpired
	ErrVoxelTypeMismatch      = types.ErrVoxelTypeMismatch
	ErrInvalidDataset         = types.ErrInvalidDataset
)

type (
	// LeaseAcquisitionError carries the status the registration service
	// answered with instead of a redirect.
	LeaseAcquisitionError = types.LeaseAcquisitionError
	StatusError           = types.StatusError
	NetworkError          = types.NetworkError
)
