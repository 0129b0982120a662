package repository

import "context"

// Tx is an opaque store transaction handle (pgx.Tx, *sql.Tx, ...).
// Repositories accept nil for the non-transactional path.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside one store transaction and commits when fn
// returns nil. The concrete tx handle is infra-defined.
type TransactionManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
