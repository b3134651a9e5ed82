// Package subscription holds the billing data model shared by the reconciler,
// the entitlement gate and the storage backends: subscriptions, ledger
// transactions, checkout metadata and the error kinds surfaced to callers.
package subscription
