// Package subscription implements the subscription registry and the
// entitlement resolver: which paid tier a tenant currently holds.
//
// Tiers are ordered FREE < BASIC < PRO < PREMIUM through an explicit Rank.
// A tenant may hold several ACTIVE subscriptions at once (overlapping
// renewals, admin grants); the resolver picks the highest tier, tie-breaking
// on the later end timestamp. Resolution comes in a single-tenant form
// (EffectiveTier, the hot path for rendering one listing) and a set-oriented
// form (RankTenants) that ranks many tenants in one storage pass for listing
// pages.
//
// Lifecycle: subscriptions are created ACTIVE and move irreversibly to
// EXPIRED (time-driven, applied by the sweep) or CANCELLED (explicit).
package subscription
