package deploy

import (
	"errors"

	"github.com/melih/lighthouse/internal/core/ports"
)

var (
	// ErrPortExhausted is returned when every port in the configured range is taken.
	ErrPortExhausted = errors.New("port pool exhausted")
	// ErrHealthProbeTimeout is returned when a started container never became healthy.
	ErrHealthProbeTimeout = errors.New("health probe timed out")
	// ErrBuildFailed matches builds that failed because of the source.
	ErrBuildFailed = ports.ErrBuildFailed
	// ErrTerminated is returned for work against a decommissioned workspace.
	ErrTerminated = errors.New("workspace is terminated")
	// ErrInvalidRequest is returned by Service for requests that can never succeed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPortConflict is returned by PortPool.Reserve for a port held by another workspace.
	ErrPortConflict = errors.New("port already allocated")
)
