// Package store holds what every persistence backend shares: the sentinel errors
// callers match on and, in storetest, the behavioural suite each TaskStore and
// ResultStore implementation must pass. This package must not import database
// drivers or concrete clients.
package store
