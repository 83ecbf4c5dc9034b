package errors

import "errors"

var (
	// ErrConfiguration indicates invalid worker, rank or shard sizing.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates parameter sets that are not compatible.
	ErrShapeMismatch = errors.New("parameter shape mismatch")

	// ErrEmptyAggregation indicates an aggregation over zero parameter sets.
	ErrEmptyAggregation = errors.New("nothing to aggregate")

	// ErrCommunication indicates a worker failed to send or receive during a collective.
	ErrCommunication = errors.New("worker communication failure")

	// ErrRemoteFailure indicates another rank aborted the run.
	ErrRemoteFailure = errors.New("worker reported failure")

	ErrNotFound     = errors.New("entity not found")
	ErrEntityExists = errors.New("entity already exists")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEmptyKey     = errors.New("empty key")
)
