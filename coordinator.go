package txdefer

import (
	"reflect"

	"go.uber.org/zap"
)

// TransactionAware is implemented by subjects whose handlers are safe to run
// inside an open transaction. Such handlers are never deferred.
type TransactionAware interface {
	TransactionAware() bool
}

// Identifier is implemented by subjects that want to be matched against the
// whitelist by a name other than their type name.
type Identifier interface {
	Identifier() string
}

// AwarenessFunc reports whether a subject may run inside an open transaction.
type AwarenessFunc func(subject any) bool

// Coordinator decides, for every submitted handler, whether it runs now or waits
// for the enclosing transaction to commit. It is fed the transaction lifecycle
// through OnBegin, OnCommit and OnRollback.
//
// A Coordinator is not safe for concurrent use. Each logical flow of control
// that opens transactions must own its own Coordinator.
type Coordinator struct {
	stack   TransactionStack
	pending *PendingRegistry

	whitelist map[string]struct{}
	isAware   AwarenessFunc
	logger    *zap.Logger
}

// Option is a function that configures a Coordinator instance.
type Option func(*Coordinator)

// WithWhitelist adds identifiers whose handlers always run immediately.
// An identifier is either a literal string subject, the value returned by
// Identifier, or a type name (qualified "pkgpath.Name" or bare "Name").
func WithWhitelist(ids ...string) Option {
	return func(c *Coordinator) {
		for _, id := range ids {
			c.whitelist[id] = struct{}{}
		}
	}
}

// WithAwarenessFunc replaces the TransactionAware interface check.
func WithAwarenessFunc(fn AwarenessFunc) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.isAware = fn
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Coordinator with no open transaction.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		pending:   NewPendingRegistry(),
		whitelist: make(map[string]struct{}),
		isAware:   implementsTransactionAware,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit runs h now and returns its error when ShouldRunSynchronously(subject) holds.
// Otherwise h is stored at the current depth and Submit returns nil; h then runs when
// the transaction commits, or never if it rolls back.
func (c *Coordinator) Submit(subject any, h Handler) error {
	if h == nil {
		return ErrHandlerRequired
	}

	if c.ShouldRunSynchronously(subject) {
		return h()
	}

	depth := c.stack.Depth()
	c.logger.Debug("deferring handler until commit",
		zap.Int("depth", depth),
		zap.String("subject", describe(subject)))

	return c.pending.Enqueue(depth, h)
}

// SubmitFunc is Submit for handlers producing a value. The value is returned only
// when fn runs immediately; a deferred fn yields the zero value and deferred=true.
func SubmitFunc[T any](c *Coordinator, subject any, fn func() (T, error)) (result T, deferred bool, err error) {
	if fn == nil {
		return result, false, ErrHandlerRequired
	}

	if c.ShouldRunSynchronously(subject) {
		result, err = fn()
		return result, false, err
	}

	err = c.Submit(subject, func() error {
		_, err := fn()
		return err
	})
	return result, err == nil, err
}

// ShouldRunSynchronously reports whether a handler for subject must run immediately.
// Handlers are deferred only while a transaction is open and only for subjects that
// are neither transaction aware nor whitelisted.
func (c *Coordinator) ShouldRunSynchronously(subject any) bool {
	if c.stack.Depth() == 0 {
		return true
	}

	return c.isAware(subject) || c.isWhitelisted(subject)
}

// OnBegin records a transaction opened on connection.
func (c *Coordinator) OnBegin(connection string) {
	c.stack.Begin(connection)
	c.logger.Debug("transaction begun",
		zap.String("connection", connection),
		zap.Int("depth", c.stack.Depth()))
}

// OnCommit ends the most recent transaction. Its pending handlers are folded into the
// nearest enclosing transaction on the same connection, or run now if there is none.
// Running stops at the first failing handler, whose error is returned as a *HandlerError.
func (c *Coordinator) OnCommit(connection string) error {
	depth := c.stack.Depth()
	if depth == 0 {
		c.logger.Error("commit reported with no open transaction", zap.String("connection", connection))
		return ErrEmptyStack
	}

	handlers := c.pending.Drain(depth)
	if _, err := c.stack.End(); err != nil {
		return err
	}

	if i, found := c.stack.FindByConnection(connection); found {
		// i counts from the most recent transaction, buckets are keyed by depth.
		target := c.stack.Depth() - i
		c.pending.MergeInto(target, handlers)
		c.logger.Debug("pending handlers merged into enclosing transaction",
			zap.String("connection", connection),
			zap.Int("from_depth", depth),
			zap.Int("to_depth", target),
			zap.Int("handlers", len(handlers)))
		return nil
	}

	if len(handlers) > 0 {
		c.logger.Debug("releasing pending handlers",
			zap.String("connection", connection),
			zap.Int("depth", depth),
			zap.Int("handlers", len(handlers)))
	}

	for pos, h := range handlers {
		if err := h(); err != nil {
			c.logger.Warn("deferred handler failed, dropping the rest of the batch",
				zap.String("connection", connection),
				zap.Int("position", pos),
				zap.Int("dropped", len(handlers)-pos-1),
				zap.Error(err))
			return &HandlerError{Connection: connection, Depth: depth, Position: pos, Err: err}
		}
	}

	return nil
}

// OnRollback ends the most recent transaction and discards its pending handlers.
func (c *Coordinator) OnRollback(connection string) error {
	depth := c.stack.Depth()
	if depth == 0 {
		c.logger.Error("rollback reported with no open transaction", zap.String("connection", connection))
		return ErrEmptyStack
	}

	if discarded := c.pending.Drain(depth); len(discarded) > 0 {
		c.logger.Warn("discarding pending handlers of rolled back transaction",
			zap.String("connection", connection),
			zap.Int("depth", depth),
			zap.Int("handlers", len(discarded)))
	}

	_, err := c.stack.End()
	return err
}

// Depth returns the number of open transactions.
func (c *Coordinator) Depth() int {
	return c.stack.Depth()
}

// PendingCount returns the number of handlers waiting for a commit.
func (c *Coordinator) PendingCount() int {
	return c.pending.Total()
}

func (c *Coordinator) isWhitelisted(subject any) bool {
	for _, id := range identifiers(subject) {
		if _, ok := c.whitelist[id]; ok {
			return true
		}
	}
	return false
}

func implementsTransactionAware(subject any) bool {
	aware, ok := subject.(TransactionAware)
	return ok && aware.TransactionAware()
}

// identifiers returns the names subject is matched by against the whitelist.
func identifiers(subject any) []string {
	switch s := subject.(type) {
	case nil:
		return nil
	case string:
		return []string{s}
	case Identifier:
		if id := s.Identifier(); id != "" {
			return []string{id}
		}
		return nil
	}

	t := reflect.TypeOf(subject)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return nil
	}
	if t.PkgPath() == "" {
		return []string{t.Name()}
	}
	return []string{t.PkgPath() + "." + t.Name(), t.Name()}
}

func describe(subject any) string {
	if ids := identifiers(subject); len(ids) > 0 {
		return ids[0]
	}
	return "<anonymous>"
}
