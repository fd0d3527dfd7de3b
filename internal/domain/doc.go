// Package domain holds the records shared by the scheduling engine:
// obligations, tenant plan state, occasion identities and dispatch records.
package domain
