package output

import (
	"context"
)

// TransactionManager runs session store operations in a single transaction
type TransactionManager interface {
	// InTransaction executes a function within a transaction
	// If the function returns an error, the transaction is rolled back
	InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}
