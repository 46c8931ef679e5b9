package registry

import "errors"

// Sentinel errors returned by store operations. Callers distinguish them
// with errors.Is to map onto HTTP status codes at the API layer.
var (
	// ErrNotFound is returned when no service is registered under the given path.
	ErrNotFound = errors.New("service not found")

	// ErrPathConflict is returned when a registration duplicates an existing path.
	ErrPathConflict = errors.New("service path already registered")

	// ErrNameConflict is returned when a registration duplicates an existing name.
	ErrNameConflict = errors.New("service name already registered")

	// ErrScanPending is returned when enabling a service whose security scan
	// has not passed.
	ErrScanPending = errors.New("service cannot be enabled: security scan pending")

	// ErrInvalidService is returned when a service definition fails validation.
	ErrInvalidService = errors.New("invalid service definition")
)
