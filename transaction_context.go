package treelock

import "context"

type transactionKey struct{}

// ContextWithTransaction makes tx the ambient transaction of the returned context.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// TransactionFromContext returns the ambient transaction, or nil.
func TransactionFromContext(ctx context.Context) Transaction {
	tx, _ := ctx.Value(transactionKey{}).(Transaction)
	return tx
}

// SuspendTransaction detaches the ambient transaction. It returns a context without one and
// the suspended transaction (nil if there was none). The suspended transaction is untouched.
func SuspendTransaction(ctx context.Context) (context.Context, Transaction) {
	tx := TransactionFromContext(ctx)
	if tx == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, transactionKey{}, nil), tx
}

// IsTransactionActive reports whether the context carries an ACTIVE transaction.
func IsTransactionActive(ctx context.Context) bool {
	tx := TransactionFromContext(ctx)
	return tx != nil && tx.Status() == StatusActive
}
