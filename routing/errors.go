package routing

import "errors"

var (
	ErrInvalidVBucket = errors.New("invalid vbucket")
	ErrInvalidReplica = errors.New("invalid replica")
	ErrInvalidServer  = errors.New("invalid server")

	// ErrNoNodes is returned when looking up a key in an empty continuum.
	ErrNoNodes = errors.New("no nodes in continuum")
)
