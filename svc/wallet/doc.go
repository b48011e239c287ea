// Package wallet implements the prepaid token ledger: one wallet per tenant,
// funded by discrete purchase batches that each carry their own remaining
// balance and expiry window, debited by feature consumption and reclaimed by
// the periodic expiration sweep.
//
// Key concepts:
//
//   - Wallet: the tenant's account with a cached balance, created lazily on
//     the first grant.
//   - PurchaseBatch: one token grant. Its (provider, providerRef) pair is the
//     idempotency key guarding against duplicate payment webhooks.
//   - UsageEntry: an append-only audit record of every debit (SPENT) and
//     every sweep reclaim (EXPIRED).
//
// Spending draws from the soonest-expiring batches first and from
// never-expiring batches last, oldest first, so the least value is stranded
// when batches expire. Debits are all-or-nothing: a spend that exceeds the
// eligible remainders fails with ErrInsufficientBalance and mutates nothing.
//
// Storage implementations provide per-wallet atomicity through UpdateWallet;
// the Postgres storage locks the wallet row for the transaction, the
// in-memory storage holds a per-wallet mutex. Operations on different
// wallets never block each other.
package wallet
