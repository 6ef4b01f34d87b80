package txdefer

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// DefaultConnectionName is the connection name used when none is configured.
const DefaultConnectionName = "default"

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLTx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type SQLTx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error)
}

// DBContext holds the database connection, its SQL dialect and the name the
// connection is known by. Transactions are matched by that name when deciding
// whether an inner commit releases handlers or hands them to an outer transaction.
type DBContext struct {
	db      DB
	dialect SQLDialect
	name    string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithConnectionName sets the name identifying the connection.
// Default is "default".
//
// Transactions are matched by this name, not by the DBContext. Two databases used
// in the same context must have distinct names, otherwise a commit on one hands its
// handlers to the open transaction of the other. Transactor.Begin logs a warning
// when that happens.
// The name must match the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid name will cause a panic when creating the DBContext.
func WithConnectionName(name string) DBContextOption {
	return func(c *DBContext) {
		c.name = name
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:      db,
		dialect: dialect,
		name:    DefaultConnectionName,
	}

	for _, opt := range opts {
		opt(c)
	}

	err := validateConnectionName(c.name)
	if err != nil {
		panic(err)
	}

	return c
}

// Name returns the connection name.
func (c *DBContext) Name() string {
	return c.name
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateConnectionName(name string) error {
	if name == "" {
		return fmt.Errorf("connection name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid connection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

func savepointName(level int) string {
	return fmt.Sprintf("txdefer_sp_%d", level)
}

// createSavepointQuery returns the statement opening a savepoint.
func (c *DBContext) createSavepointQuery(name string) string {
	switch c.dialect {
	case SQLDialectSQLServer:
		return "SAVE TRANSACTION " + name
	default:
		return "SAVEPOINT " + name
	}
}

// releaseSavepointQuery returns the statement releasing a savepoint, or "" when
// the dialect keeps savepoints until the transaction ends.
func (c *DBContext) releaseSavepointQuery(name string) string {
	switch c.dialect {
	case SQLDialectOracle, SQLDialectSQLServer:
		return ""
	default:
		return "RELEASE SAVEPOINT " + name
	}
}

// rollbackSavepointQuery returns the statement undoing work done since a savepoint.
func (c *DBContext) rollbackSavepointQuery(name string) string {
	switch c.dialect {
	case SQLDialectSQLServer:
		return "ROLLBACK TRANSACTION " + name
	default:
		return "ROLLBACK TO SAVEPOINT " + name
	}
}

// txAdapter is a wrapper around a sql.Tx that implements the SQLTx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}
