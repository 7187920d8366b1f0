package merging

import (
	"errors"
)

var (
	// ErrMergeConflict signals that an entity changed since blocking was
	// computed. The merge is skipped for this pass and rediscovered later;
	// callers must not retry in a tight loop.
	ErrMergeConflict = errors.New("entity changed since candidate generation, merge aborted")

	// ErrNotUndoable signals an undo attempt against a record that is not
	// an active ENTITIES_MERGED event
	ErrNotUndoable = errors.New("history record cannot be undone")

	// ErrEntityNotFound signals a merge participant that no longer exists
	ErrEntityNotFound = errors.New("entity not found")
)
