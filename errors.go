package txdefer

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStack is returned when a commit or rollback is reported with no open transaction.
	// It means the lifecycle notifications are not well nested.
	ErrEmptyStack = errors.New("no open transaction")

	// ErrInvalidDepth is returned when a handler is enqueued at a depth lower than 1.
	ErrInvalidDepth = errors.New("pending handlers require a depth of at least 1")

	// ErrNestedTransactionOpen is returned when a transaction is ended while a savepoint
	// begun inside it is still open. Neither the database nor the Coordinator is touched.
	ErrNestedTransactionOpen = errors.New("nested transaction still open")

	ErrHandlerRequired   = errors.New("handler is required")
	ErrMessageRequired   = errors.New("message is required")
	ErrPublisherRequired = errors.New("message publisher is required")
)

// HandlerError indicates that a deferred handler failed while being released on commit.
// Handlers queued after it in the same batch are not executed.
type HandlerError struct {
	Connection string
	Depth      int
	Position   int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("running deferred handler %d released by commit on %q at depth %d: %v",
		e.Position, e.Connection, e.Depth, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CommitError indicates that the database refused to commit a transaction or release a savepoint.
type CommitError struct {
	Connection string
	Err        error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing transaction on %q: %v", e.Connection, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// RollbackError indicates that the database failed to roll back a transaction or savepoint.
type RollbackError struct {
	Connection string
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rolling back transaction on %q: %v", e.Connection, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
