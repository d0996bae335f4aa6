package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// NoTX selects the non-transactional path.
var NoTX Tx

// TransactionManager runs fn inside one database transaction and hands the
// transaction to repositories through the tx argument.
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres).
// Repositories MUST accept a nil tx (non-transactional path) and take row
// locks (SELECT ... FOR UPDATE) when a tx is present.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
