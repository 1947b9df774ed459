package query

import "errors"

// Errors surfaced by the request pipeline. Adapters map these onto
// transport-appropriate codes; see the server package.
var (
	// ErrBadRequest marks a malformed or incomplete request.
	ErrBadRequest = errors.New("bad request")

	// ErrQuery marks a statement the engine rejected or failed to run:
	// syntax errors, binder errors, constraint violations. These are
	// client errors, not gateway faults.
	ErrQuery = errors.New("query error")

	// ErrCancelled marks an execution aborted through the running-query
	// registry. Distinct from a client disconnect, which never aborts
	// an execution that still has waiters.
	ErrCancelled = errors.New("query cancelled")

	// ErrSerialization marks a result set that could not be converted
	// to the requested output format. The query itself succeeded, so
	// this is logged as an internal defect candidate rather than a
	// client error.
	ErrSerialization = errors.New("result serialization failed")
)
