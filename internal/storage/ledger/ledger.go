// Package ledger provides durable, transactional storage for account balances
// and payment transaction records. Two implementations share one contract:
// Postgres for production and Memory for tests and simulate mode.
package ledger

// TxUpdate carries the optional fields set when a transaction reaches a
// terminal state.
type TxUpdate struct {
	// TxHash settlement rail reference, set only on completed.
	TxHash string
	// ErrorMessage failure reason, set only on failed.
	ErrorMessage string
}
