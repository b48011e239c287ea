// Package sweep implements the periodic reconciliation pass over the token
// ledger and the subscription registry: expired purchase batches have their
// remainders reclaimed from wallet balances, and subscriptions past their
// end move to EXPIRED.
//
// The sweep is idempotent by construction: both steps select only rows still
// matching their predicate (remaining > 0, status = ACTIVE), so interrupting
// and re-running a pass never double-applies. Failures are isolated per unit
// of work; a tenant that fails is retried on the next tick.
package sweep
