package txdefer

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeDB struct {
	beginTxErr error
	txs        []*fakeTx

	// newTx, when set, configures every transaction handed out.
	newTx func() *fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (SQLTx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	tx := &fakeTx{}
	if f.newTx != nil {
		tx = f.newTx()
	}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	execErrs    map[string]error
	commitErr   error
	rollbackErr error

	execs      []string
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	return nil, f.execErrs[query]
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

func newTestTransactor(db *fakeDB, name string, opts ...TransactorOption) *Transactor {
	return NewTransactor(NewDBContextWithDB(db, SQLDialectPostgres, WithConnectionName(name)), opts...)
}

func TestTransactCommitsAndReleasesHandlers(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}

	err := transactor.Transact(context.Background(), func(ctx context.Context, tx TxQueryer) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO users (id) VALUES ($1)", 1)
		if err != nil {
			return err
		}
		err = Submit(ctx, createUser{}, rec.handler("h"))
		assert.Empty(t, rec.ran, "handler must wait for the commit")
		return err
	})

	require.NoError(t, err)
	require.Len(t, db.txs, 1)
	assert.True(t, db.txs[0].committed)
	assert.False(t, db.txs[0].rolledBack)
	assert.Equal(t, []string{"INSERT INTO users (id) VALUES ($1)"}, db.txs[0].execs)
	assert.Equal(t, []string{"h"}, rec.ran)
}

func TestTransactRollsBackOnErrorAndDiscardsHandlers(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}
	boom := errors.New("boom")

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		require.NoError(t, Submit(ctx, createUser{}, rec.handler("h")))
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.True(t, db.txs[0].rolledBack)
	assert.False(t, db.txs[0].committed)
	assert.Empty(t, rec.ran)
}

func TestTransactRollsBackOnPanic(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}
	c := New()
	ctx := NewContext(context.Background(), c)

	require.Panics(t, func() {
		_ = transactor.Transact(ctx, func(ctx context.Context, _ TxQueryer) error {
			require.NoError(t, Submit(ctx, createUser{}, rec.handler("h")))
			panic("boom")
		})
	})

	assert.True(t, db.txs[0].rolledBack)
	assert.Empty(t, rec.ran)
	assert.Zero(t, c.Depth())
	assert.Zero(t, c.PendingCount())
}

func TestTransactReportsRollbackError(t *testing.T) {
	rollbackErr := errors.New("connection reset")
	db := &fakeDB{newTx: func() *fakeTx { return &fakeTx{rollbackErr: rollbackErr} }}
	transactor := newTestTransactor(db, "primary")
	boom := errors.New("boom")

	err := transactor.Transact(context.Background(), func(context.Context, TxQueryer) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, rollbackErr)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "primary", rbErr.Connection)
}

func TestTransactErrorOnBegin(t *testing.T) {
	db := &fakeDB{beginTxErr: errors.New("failed to begin transaction")}
	transactor := newTestTransactor(db, "primary")
	c := New()
	ctx := NewContext(context.Background(), c)

	err := transactor.Transact(ctx, func(context.Context, TxQueryer) error {
		t.Fatal("should not be called")
		return nil
	})

	require.ErrorIs(t, err, db.beginTxErr)
	assert.Zero(t, c.Depth())
}

func TestTransactErrorOnCommitDiscardsHandlers(t *testing.T) {
	commitErr := errors.New("failed to commit transaction")
	db := &fakeDB{newTx: func() *fakeTx { return &fakeTx{commitErr: commitErr} }}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}
	c := New()
	ctx := NewContext(context.Background(), c)

	err := transactor.Transact(ctx, func(ctx context.Context, _ TxQueryer) error {
		return Submit(ctx, createUser{}, rec.handler("h"))
	})

	require.ErrorIs(t, err, commitErr)
	var commitError *CommitError
	require.ErrorAs(t, err, &commitError)
	assert.Equal(t, "primary", commitError.Connection)
	assert.Empty(t, rec.ran)
	assert.Zero(t, c.Depth())
	assert.Zero(t, c.PendingCount())
}

func TestTransactReturnsReleasedHandlerError(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	boom := errors.New("smtp unavailable")

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		return Submit(ctx, "SendWelcomeEmail", func() error { return boom })
	})

	require.ErrorIs(t, err, boom)
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.True(t, db.txs[0].committed, "data stays committed")
}

func TestNestedTransactUsesSavepointAndWaitsForOuterCommit(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		require.NoError(t, Submit(ctx, createUser{}, rec.handler("outer")))

		err := transactor.Transact(ctx, func(ctx context.Context, _ TxQueryer) error {
			assert.Equal(t, 2, FromContext(ctx).Depth())
			return Submit(ctx, createUser{}, rec.handler("inner"))
		})
		require.NoError(t, err)

		assert.Empty(t, rec.ran, "savepoint release must not run handlers")
		assert.Equal(t, 2, FromContext(ctx).PendingCount())
		return nil
	})

	require.NoError(t, err)
	require.Len(t, db.txs, 1, "nested call must reuse the open transaction")
	assert.Equal(t, []string{"SAVEPOINT txdefer_sp_1", "RELEASE SAVEPOINT txdefer_sp_1"}, db.txs[0].execs)
	assert.True(t, db.txs[0].committed)
	assert.Equal(t, []string{"outer", "inner"}, rec.ran)
}

func TestNestedTransactErrorRollsBackToSavepoint(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}
	boom := errors.New("boom")

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		require.NoError(t, Submit(ctx, createUser{}, rec.handler("outer")))

		err := transactor.Transact(ctx, func(ctx context.Context, _ TxQueryer) error {
			require.NoError(t, Submit(ctx, createUser{}, rec.handler("inner")))
			return boom
		})
		require.ErrorIs(t, err, boom)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"SAVEPOINT txdefer_sp_1", "ROLLBACK TO SAVEPOINT txdefer_sp_1"}, db.txs[0].execs)
	assert.False(t, db.txs[0].rolledBack)
	assert.True(t, db.txs[0].committed)
	assert.Equal(t, []string{"outer"}, rec.ran)
}

func TestNestedTransactSavepointError(t *testing.T) {
	savepointErr := errors.New("savepoints not supported")
	db := &fakeDB{newTx: func() *fakeTx {
		return &fakeTx{execErrs: map[string]error{"SAVEPOINT txdefer_sp_1": savepointErr}}
	}}
	transactor := newTestTransactor(db, "primary")

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		err := transactor.Transact(ctx, func(context.Context, TxQueryer) error {
			t.Fatal("should not be called")
			return nil
		})
		require.ErrorIs(t, err, savepointErr)
		assert.Equal(t, 1, FromContext(ctx).Depth())
		return err
	})

	require.ErrorIs(t, err, savepointErr)
	assert.True(t, db.txs[0].rolledBack)
}

func TestNestedTransactOnOtherConnectionReleasesOnItsCommit(t *testing.T) {
	primaryDB, reportingDB := &fakeDB{}, &fakeDB{}
	primary := newTestTransactor(primaryDB, "primary")
	reporting := newTestTransactor(reportingDB, "reporting")
	rec := &recorder{}

	err := primary.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		err := reporting.Transact(ctx, func(ctx context.Context, _ TxQueryer) error {
			return Submit(ctx, createUser{}, rec.handler("reporting"))
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"reporting"}, rec.ran)
		return Submit(ctx, createUser{}, rec.handler("primary"))
	})

	require.NoError(t, err)
	require.Len(t, reportingDB.txs, 1)
	assert.Empty(t, reportingDB.txs[0].execs, "separate connection must not use savepoints")
	assert.Equal(t, []string{"reporting", "primary"}, rec.ran)
}

func TestTransactUsesCoordinatorOptions(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary",
		WithCoordinatorOptions(WithWhitelist("SendWelcomeEmail")))
	rec := &recorder{}

	err := transactor.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		require.NoError(t, Submit(ctx, "SendWelcomeEmail", rec.handler("whitelisted")))
		assert.Equal(t, []string{"whitelisted"}, rec.ran)
		return nil
	})

	require.NoError(t, err)
}

func TestUnmanagedBeginAndCommit(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}

	ctx, tx, err := transactor.Begin(context.Background())
	require.NoError(t, err)
	assert.False(t, tx.Nested())
	assert.NotEmpty(t, tx.ID())

	require.NoError(t, Submit(ctx, createUser{}, rec.handler("h")))
	assert.Empty(t, rec.ran)

	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"h"}, rec.ran)

	require.ErrorIs(t, tx.Commit(), sql.ErrTxDone)
	require.ErrorIs(t, tx.Rollback(), sql.ErrTxDone)
	assert.Zero(t, FromContext(ctx).Depth())
}

func TestUnmanagedNestedBeginAfterParentEnded(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")

	ctx, tx, err := transactor.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, _, err = transactor.Begin(ctx)
	require.ErrorIs(t, err, sql.ErrTxDone)
}

func TestUnmanagedEndOfParentWithOpenSavepointIsRefused(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")
	rec := &recorder{}

	outerCtx, outer, err := transactor.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, Submit(outerCtx, createUser{}, rec.handler("outer")))

	innerCtx, inner, err := transactor.Begin(outerCtx)
	require.NoError(t, err)
	require.NoError(t, Submit(innerCtx, createUser{}, rec.handler("inner")))

	require.ErrorIs(t, outer.Commit(), ErrNestedTransactionOpen)
	require.ErrorIs(t, outer.Rollback(), ErrNestedTransactionOpen)

	c := FromContext(outerCtx)
	assert.Equal(t, 2, c.Depth())
	assert.Equal(t, 2, c.PendingCount())
	assert.False(t, db.txs[0].committed)
	assert.False(t, db.txs[0].rolledBack)
	assert.Empty(t, rec.ran)

	require.NoError(t, inner.Commit())
	require.NoError(t, outer.Commit())

	assert.True(t, db.txs[0].committed)
	assert.Equal(t, []string{"outer", "inner"}, rec.ran)
	assert.Zero(t, c.Depth())
}

func TestUnmanagedParentRollbackAfterSavepointRollback(t *testing.T) {
	db := &fakeDB{}
	transactor := newTestTransactor(db, "primary")

	outerCtx, outer, err := transactor.Begin(context.Background())
	require.NoError(t, err)
	_, inner, err := transactor.Begin(outerCtx)
	require.NoError(t, err)

	require.NoError(t, inner.Rollback())
	require.NoError(t, outer.Rollback())
	assert.True(t, db.txs[0].rolledBack)
}

func TestBeginWarnsWhenConnectionNameIsShared(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	opts := WithCoordinatorOptions(WithLogger(zap.New(core)))
	first := NewTransactor(NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres), opts)
	second := NewTransactor(NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres), opts)

	err := first.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		return second.Transact(ctx, func(context.Context, TxQueryer) error { return nil })
	})

	require.NoError(t, err)
	entries := logs.FilterField(zap.String("connection", DefaultConnectionName)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestBeginDoesNotWarnForDistinctConnectionNames(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	opts := WithCoordinatorOptions(WithLogger(zap.New(core)))
	first := newTestTransactor(&fakeDB{}, "orders", opts)
	second := newTestTransactor(&fakeDB{}, "billing", opts)

	err := first.Transact(context.Background(), func(ctx context.Context, _ TxQueryer) error {
		return second.Transact(ctx, func(context.Context, TxQueryer) error { return nil })
	})

	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}
