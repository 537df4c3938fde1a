package workspace

import "errors"

var (
	// ErrExists is returned by Create when a workspace for the task key
	// already has a record.
	ErrExists = errors.New("workspace already exists")

	// ErrNotFound is returned for operations on an unknown workspace.
	ErrNotFound = errors.New("workspace not found")

	// ErrIsolationViolation marks writes that escaped the isolated copy or
	// touched reserved paths. It blocks merge and is never auto-resolved.
	ErrIsolationViolation = errors.New("workspace isolation violation")

	// ErrDirtyState marks a workspace whose previous merge was interrupted;
	// run Repair before continuing.
	ErrDirtyState = errors.New("workspace in dirty state")

	// ErrMergeConflict marks overlapping changes that need an explicit
	// resolution; the trunk is left untouched.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrDependencyUnmerged blocks a merge while a declared dependency has
	// not been merged yet.
	ErrDependencyUnmerged = errors.New("declared dependency not merged")

	// ErrBasePointMismatch is returned by Create when the caller pins a base
	// point that no longer matches the trunk.
	ErrBasePointMismatch = errors.New("base point does not match trunk")
)
