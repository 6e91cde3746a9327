package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/logger"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
)

// TxGetter returns the transaction bound to ctx, or nil when the call runs outside a unit of work.
type TxGetter func(ctx context.Context) *sqlx.Tx

// executor picks the transaction from ctx if present, otherwise the pool.
func executor(ctx context.Context, db *sqlx.DB, txGetter TxGetter) sqlx.ExtContext {
	if txGetter != nil {
		if tx := txGetter(ctx); tx != nil {
			return tx
		}
	}
	return db
}

// logQuery logs a single-line query with its args, result and error.
func logQuery(query string, args []any, result any, err error) {
	logger.Log.Infow("query",
		"sql", strings.Join(strings.Fields(query), " "),
		"args", args,
		"result", result,
		"error", err,
	)
}

// TransactionReadRepository handles transaction read operations
type TransactionReadRepository struct {
	db       *sqlx.DB
	txGetter TxGetter
}

func NewTransactionReadRepository(db *sqlx.DB, txGetter TxGetter) *TransactionReadRepository {
	return &TransactionReadRepository{db: db, txGetter: txGetter}
}

// FindByUserID returns every transaction owned by userID, ordered by id.
// The result is empty, never nil, when the user has no transactions.
// Driver errors are returned as is.
func (r *TransactionReadRepository) FindByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) {
	const query = `
		SELECT id, user_id, amount, currency, operation, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY id
	`

	transactions := []models.Transaction{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db, r.txGetter), &transactions, query, userID)

	logQuery(query, []any{userID}, len(transactions), err)

	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// FindByID returns the transaction with the given id or models.ErrTransactionNotFound.
func (r *TransactionReadRepository) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	const query = `
		SELECT id, user_id, amount, currency, operation, created_at
		FROM transactions
		WHERE id = $1
	`

	var txn models.Transaction
	err := sqlx.GetContext(ctx, executor(ctx, r.db, r.txGetter), &txn, query, id)

	logQuery(query, []any{id}, txn.ID, err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// ExistsByID reports whether a transaction with the given id exists.
func (r *TransactionReadRepository) ExistsByID(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`

	var exists bool
	err := sqlx.GetContext(ctx, executor(ctx, r.db, r.txGetter), &exists, query, id)

	logQuery(query, []any{id}, exists, err)

	return exists, err
}

// FindAll returns all transactions ordered by id.
func (r *TransactionReadRepository) FindAll(ctx context.Context) ([]models.Transaction, error) {
	const query = `
		SELECT id, user_id, amount, currency, operation, created_at
		FROM transactions
		ORDER BY id
	`

	transactions := []models.Transaction{}
	err := sqlx.SelectContext(ctx, executor(ctx, r.db, r.txGetter), &transactions, query)

	logQuery(query, nil, len(transactions), err)

	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// Count returns the number of stored transactions.
func (r *TransactionReadRepository) Count(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM transactions`

	var count int64
	err := sqlx.GetContext(ctx, executor(ctx, r.db, r.txGetter), &count, query)

	logQuery(query, nil, count, err)

	return count, err
}

// TransactionWriteRepository handles transaction write operations
type TransactionWriteRepository struct {
	db       *sqlx.DB
	txGetter TxGetter
}

func NewTransactionWriteRepository(db *sqlx.DB, txGetter TxGetter) *TransactionWriteRepository {
	return &TransactionWriteRepository{db: db, txGetter: txGetter}
}

// Save inserts txn when its ID is zero and stores the generated id back into it.
// A non-zero ID performs an UPSERT on that id.
func (r *TransactionWriteRepository) Save(ctx context.Context, txn *models.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}

	if txn.ID == 0 {
		return r.insert(ctx, txn)
	}
	return r.upsert(ctx, txn)
}

func (r *TransactionWriteRepository) insert(ctx context.Context, txn *models.Transaction) error {
	const query = `
		INSERT INTO transactions (user_id, amount, currency, operation, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	args := []any{txn.UserID, txn.Amount, txn.Currency, txn.Operation, txn.CreatedAt}

	var id int64
	err := sqlx.GetContext(ctx, executor(ctx, r.db, r.txGetter), &id, query, args...)

	logQuery(query, args, id, err)

	if err != nil {
		return err
	}
	txn.ID = id
	return nil
}

func (r *TransactionWriteRepository) upsert(ctx context.Context, txn *models.Transaction) error {
	const query = `
		INSERT INTO transactions (id, user_id, amount, currency, operation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    operation = EXCLUDED.operation,
		    created_at = EXCLUDED.created_at
	`
	args := []any{txn.ID, txn.UserID, txn.Amount, txn.Currency, txn.Operation, txn.CreatedAt}

	res, err := executor(ctx, r.db, r.txGetter).ExecContext(ctx, query, args...)
	var rowsAffected int64
	if res != nil {
		rowsAffected, _ = res.RowsAffected()
	}

	logQuery(query, args, rowsAffected, err)

	return err
}

// DeleteByID removes the transaction with the given id and returns the deleted row.
// models.ErrTransactionNotFound is returned when nothing was deleted.
func (r *TransactionWriteRepository) DeleteByID(ctx context.Context, id int64) (*models.Transaction, error) {
	const query = `
		DELETE FROM transactions
		WHERE id = $1
		RETURNING id, user_id, amount, currency, operation, created_at
	`

	var txn models.Transaction
	err := sqlx.GetContext(ctx, executor(ctx, r.db, r.txGetter), &txn, query, id)

	logQuery(query, []any{id}, txn.ID, err)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}
