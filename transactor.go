package txdefer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transactor runs user defined queries inside managed transactions and reports
// every transaction boundary to the Coordinator carried by the context, so that
// handlers submitted inside the transaction run only once it has committed.
type Transactor struct {
	dbCtx           *DBContext
	txOpts          *sql.TxOptions
	coordinatorOpts []Option
}

// TxFunc is the user supplied callback for [Transactor.Transact].
// ctx carries the Coordinator handlers should be submitted to (see [Submit] and [FromContext])
// and the open transaction, so that a nested Transact joins it through a savepoint.
type TxFunc func(ctx context.Context, tx TxQueryer) error

// TransactorOption is a function that configures a Transactor instance.
type TransactorOption func(*Transactor)

// WithTxOptions sets the options used when beginning database transactions.
func WithTxOptions(opts *sql.TxOptions) TransactorOption {
	return func(t *Transactor) {
		t.txOpts = opts
	}
}

// WithCoordinatorOptions sets the options of the Coordinator created when
// Transact is called on a context that does not carry one yet.
func WithCoordinatorOptions(opts ...Option) TransactorOption {
	return func(t *Transactor) {
		t.coordinatorOpts = append(t.coordinatorOpts, opts...)
	}
}

// NewTransactor creates a new Transactor with the given database context and options.
func NewTransactor(dbCtx *DBContext, opts ...TransactorOption) *Transactor {
	t := &Transactor{
		dbCtx: dbCtx,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Transact executes fn within a managed transaction.
//
// The transaction commits if fn returns nil, or rolls back if it returns an error or
// panics. When ctx already carries an open transaction of the same DBContext, Transact
// opens a savepoint on it instead and handlers deferred inside are handed over to the
// enclosing transaction on success.
//
// Handlers released by the commit run before Transact returns. If one of them fails
// the data stays committed and the returned error is a *HandlerError.
//
// Example:
//
//	err := transactor.Transact(ctx, func(ctx context.Context, tx txdefer.TxQueryer) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO users (id, email) VALUES ($1, $2)", id, email)
//	    if err != nil {
//	        return err
//	    }
//
//	    return txdefer.Submit(ctx, "SendWelcomeEmail", func() error {
//	        return mailer.SendWelcome(email) // runs only after commit
//	    })
//	})
func (t *Transactor) Transact(ctx context.Context, fn TxFunc) error {
	ctx, tx, err := t.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	err = fn(ctx, tx)
	if err != nil {
		rbErr := tx.Rollback()
		if rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Begin opens a transaction, or a savepoint when ctx already carries an open transaction
// of the same DBContext, and reports it to the Coordinator carried by the returned context.
// A Coordinator is attached to the returned context if ctx had none.
//
// Unlike Transact, Begin leaves committing or rolling back to the caller.
// Every Tx obtained from Begin must be ended with Commit or Rollback.
func (t *Transactor) Begin(ctx context.Context) (context.Context, *Tx, error) {
	c := FromContext(ctx)
	if c == nil {
		c = New(t.coordinatorOpts...)
		ctx = NewContext(ctx, c)
	}

	tx := &Tx{
		id:          uuid.New(),
		dbCtx:       t.dbCtx,
		coordinator: c,
	}

	parent := txFromContext(ctx, t.dbCtx)
	if parent != nil {
		if parent.done {
			return ctx, nil, fmt.Errorf("beginning nested transaction: %w", sql.ErrTxDone)
		}

		tx.sqlTx = parent.sqlTx
		tx.parent = parent
		tx.level = parent.level + 1

		_, err := tx.sqlTx.ExecContext(ctx, t.dbCtx.createSavepointQuery(savepointName(tx.level)))
		if err != nil {
			return ctx, nil, fmt.Errorf("creating savepoint: %w", err)
		}
		parent.openChildren++
	} else {
		if other := txByName(ctx, t.dbCtx.name); other != nil && !other.done {
			c.logger.Warn("another database is already open under the same connection name, handlers will be merged across them",
				zap.String("connection", t.dbCtx.name),
				zap.Stringer("open_tx_id", other.id))
		}

		sqlTx, err := t.dbCtx.db.BeginTx(ctx, t.txOpts)
		if err != nil {
			return ctx, nil, fmt.Errorf("beginning transaction: %w", err)
		}
		tx.sqlTx = sqlTx
		ctx = context.WithValue(ctx, txNameKey{name: t.dbCtx.name}, tx)
	}

	c.OnBegin(t.dbCtx.name)
	c.logger.Debug("transaction opened",
		zap.Stringer("tx_id", tx.id),
		zap.String("connection", t.dbCtx.name),
		zap.Int("savepoint_level", tx.level))

	return context.WithValue(ctx, txKey{dbCtx: t.dbCtx}, tx), tx, nil
}

type txKey struct {
	dbCtx *DBContext
}

type txNameKey struct {
	name string
}

func txFromContext(ctx context.Context, dbCtx *DBContext) *Tx {
	tx, _ := ctx.Value(txKey{dbCtx: dbCtx}).(*Tx)
	return tx
}

// txByName returns the outermost transaction opened under the connection name, whatever its DBContext.
func txByName(ctx context.Context, name string) *Tx {
	tx, _ := ctx.Value(txNameKey{name: name}).(*Tx)
	return tx
}

// Tx is a transaction, or a savepoint inside one, whose end is reported to a Coordinator.
type Tx struct {
	id          uuid.UUID
	dbCtx       *DBContext
	sqlTx       SQLTx
	parent      *Tx
	level       int
	coordinator *Coordinator
	done        bool

	// savepoints begun on tx and not ended yet
	openChildren int
}

// ID returns the unique identifier of the transaction.
func (tx *Tx) ID() uuid.UUID { return tx.id }

// Nested reports whether tx is a savepoint inside an enclosing transaction.
func (tx *Tx) Nested() bool { return tx.parent != nil }

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.sqlTx.ExecContext(ctx, query, args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.sqlTx.QueryContext(ctx, query, args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.sqlTx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction, or releases the savepoint, and then lets the
// Coordinator release or hand over the handlers deferred inside it.
// If the database refuses the commit, the deferred handlers are discarded and
// a *CommitError is returned.
//
// Committing while a savepoint begun inside tx is still open returns
// ErrNestedTransactionOpen and leaves tx open.
func (tx *Tx) Commit() error {
	if tx.done {
		return sql.ErrTxDone
	}
	if err := tx.checkChildren("commit"); err != nil {
		return err
	}
	tx.end()

	err := tx.commitSQL()
	if err != nil {
		tx.coordinator.logger.Warn("commit failed, discarding deferred handlers",
			zap.Stringer("tx_id", tx.id),
			zap.String("connection", tx.dbCtx.name),
			zap.Error(err))
		_ = tx.coordinator.OnRollback(tx.dbCtx.name)
		return &CommitError{Connection: tx.dbCtx.name, Err: err}
	}

	return tx.coordinator.OnCommit(tx.dbCtx.name)
}

// Rollback aborts the transaction, or undoes the work done since the savepoint,
// and discards the handlers deferred inside it.
func (tx *Tx) Rollback() error {
	if tx.done {
		return sql.ErrTxDone
	}
	if err := tx.checkChildren("rollback"); err != nil {
		return err
	}
	tx.end()

	err := tx.rollbackSQL()
	cErr := tx.coordinator.OnRollback(tx.dbCtx.name)
	if err != nil {
		return &RollbackError{Connection: tx.dbCtx.name, Err: err}
	}

	return cErr
}

func (tx *Tx) checkChildren(op string) error {
	if tx.openChildren == 0 {
		return nil
	}
	tx.coordinator.logger.Error(op+" attempted with savepoints still open",
		zap.Stringer("tx_id", tx.id),
		zap.String("connection", tx.dbCtx.name),
		zap.Int("open_savepoints", tx.openChildren))
	return fmt.Errorf("%s on %q with %d open savepoint(s): %w",
		op, tx.dbCtx.name, tx.openChildren, ErrNestedTransactionOpen)
}

func (tx *Tx) end() {
	tx.done = true
	if tx.parent != nil {
		tx.parent.openChildren--
	}
}

func (tx *Tx) commitSQL() error {
	if tx.parent == nil {
		return tx.sqlTx.Commit()
	}

	query := tx.dbCtx.releaseSavepointQuery(savepointName(tx.level))
	if query == "" {
		return nil
	}

	_, err := tx.sqlTx.ExecContext(context.Background(), query)
	if err != nil {
		_ = tx.rollbackSQL()
	}
	return err
}

func (tx *Tx) rollbackSQL() error {
	if tx.parent == nil {
		return tx.sqlTx.Rollback()
	}

	_, err := tx.sqlTx.ExecContext(context.Background(), tx.dbCtx.rollbackSavepointQuery(savepointName(tx.level)))
	return err
}
