// Package billing is the boundary between external payment confirmation and
// the core: gateway webhook events become idempotent token grants or
// subscription activations, and the admin grant surface assigns a package
// (subscription plus bundled tokens) in one call.
//
// The package holds no state of its own; every idempotency guarantee comes
// from the provider reference keys enforced by the wallet and subscription
// services, which is what makes at-least-once webhook delivery safe.
package billing
