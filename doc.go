// Package txdefer defers side effects (commands, events, notifications) until the
// database transaction they were issued in has committed, and drops them if it rolls back.
//
// A [Coordinator] tracks the open transactions of one flow of control and the handlers
// waiting on each of them:
//
//  1. Outside a transaction, a submitted handler runs immediately.
//  2. Inside a transaction, it is stored at the current nesting depth, unless its subject
//     is [TransactionAware] or whitelisted, in which case it still runs immediately.
//  3. When a transaction commits, its handlers are handed to the nearest enclosing
//     transaction on the same connection, or run if there is none.
//  4. When a transaction rolls back, its handlers are discarded.
//
// The Coordinator learns about transaction boundaries through OnBegin, OnCommit and
// OnRollback. A [Transactor] reports them automatically for database/sql transactions,
// mapping nested transactions on the same connection to savepoints.
//
// Deferred handlers are fire-and-forget: nothing is persisted and failures are not retried.
package txdefer
