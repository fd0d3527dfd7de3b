// Package channel defines the delivery senders used by the dispatcher and the
// error vocabulary they share.
//
// Senders report failures with plain errors (transient, retried within the
// attempt), NoRetry (permanent) or RetryAfter (provider hint).
package channel
