package repositories

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transactionColumns = []string{"id", "user_id", "amount", "currency", "operation", "created_at"}

func newSQLMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestTransactionReadRepository_FindByUserID(t *testing.T) {
	createdAt := time.Date(2025, 9, 26, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("FROM transactions WHERE user_id = $1 ORDER BY id")

	tests := []struct {
		name    string
		userID  int64
		rows    *sqlmock.Rows
		wantIDs []int64
	}{
		{
			name:   "returns only rows of the user",
			userID: 42,
			rows: sqlmock.NewRows(transactionColumns).
				AddRow(int64(1), int64(42), "10.50", "USD", models.OperationDeposit, createdAt).
				AddRow(int64(3), int64(42), "7", "EUR", models.OperationWithdraw, createdAt),
			wantIDs: []int64{1, 3},
		},
		{
			name:    "unknown user yields empty slice",
			userID:  99,
			rows:    sqlmock.NewRows(transactionColumns),
			wantIDs: []int64{},
		},
		{
			name:    "zero id is an ordinary filter value",
			userID:  0,
			rows:    sqlmock.NewRows(transactionColumns),
			wantIDs: []int64{},
		},
		{
			name:    "negative id is an ordinary filter value",
			userID:  -1,
			rows:    sqlmock.NewRows(transactionColumns),
			wantIDs: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newSQLMock(t)
			mock.ExpectQuery(query).WithArgs(tt.userID).WillReturnRows(tt.rows)

			repo := NewTransactionReadRepository(db, nil)
			got, err := repo.FindByUserID(context.Background(), tt.userID)

			require.NoError(t, err)
			require.NotNil(t, got)
			ids := make([]int64, 0, len(got))
			for _, txn := range got {
				assert.Equal(t, tt.userID, txn.UserID)
				ids = append(ids, txn.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransactionReadRepository_FindByUserID_ScansColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	createdAt := time.Date(2025, 9, 26, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(transactionColumns).
			AddRow(int64(1), int64(42), "10.50", "USD", models.OperationDeposit, createdAt))

	got, err := NewTransactionReadRepository(db, nil).FindByUserID(context.Background(), 42)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.True(t, decimal.RequireFromString("10.5").Equal(got[0].Amount))
	assert.Equal(t, "USD", got[0].Currency)
	assert.Equal(t, models.OperationDeposit, got[0].Operation)
	assert.True(t, createdAt.Equal(got[0].CreatedAt))
}

func TestTransactionReadRepository_FindByUserID_PropagatesError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrConnDone)

	got, err := NewTransactionReadRepository(db, nil).FindByUserID(context.Background(), 42)

	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionReadRepository_FindByUserID_UsesTxFromContext(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectBegin()
	tx, err := db.Beginx()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(transactionColumns))
	mock.ExpectRollback()

	getterCalled := false
	repo := NewTransactionReadRepository(db, func(ctx context.Context) *sqlx.Tx {
		getterCalled = true
		return tx
	})

	got, err := repo.FindByUserID(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, getterCalled)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionReadRepository_FindByID(t *testing.T) {
	createdAt := time.Date(2025, 9, 26, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("FROM transactions WHERE id = $1")

	t.Run("found", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(query).WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(transactionColumns).
				AddRow(int64(2), int64(7), "1", "RUB", models.OperationExchange, createdAt))

		got, err := NewTransactionReadRepository(db, nil).FindByID(context.Background(), 2)

		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ID)
		assert.Equal(t, int64(7), got.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(query).WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows(transactionColumns))

		got, err := NewTransactionReadRepository(db, nil).FindByID(context.Background(), 5)

		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTransactionReadRepository_ExistsByID(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := NewTransactionReadRepository(db, nil).ExistsByID(context.Background(), 1)

	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionReadRepository_FindAllAndCount(t *testing.T) {
	db, mock := newSQLMock(t)
	createdAt := time.Date(2025, 9, 26, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions ORDER BY id")).
		WillReturnRows(sqlmock.NewRows(transactionColumns).
			AddRow(int64(1), int64(42), "1", "USD", models.OperationDeposit, createdAt).
			AddRow(int64(2), int64(7), "2", "USD", models.OperationDeposit, createdAt))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM transactions")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	repo := NewTransactionReadRepository(db, nil)

	all, err := repo.FindAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWriteRepository_Save(t *testing.T) {
	t.Run("insert assigns id", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions (user_id, amount, currency, operation, created_at)")).
			WithArgs(int64(42), sqlmock.AnyArg(), "USD", models.OperationDeposit, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

		txn := &models.Transaction{
			UserID:    42,
			Amount:    decimal.NewFromInt(100),
			Currency:  "USD",
			Operation: models.OperationDeposit,
		}
		err := NewTransactionWriteRepository(db, nil).Save(context.Background(), txn)

		require.NoError(t, err)
		assert.Equal(t, int64(11), txn.ID)
		assert.False(t, txn.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-zero id upserts", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
			WithArgs(int64(11), int64(42), sqlmock.AnyArg(), "EUR", models.OperationWithdraw, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		txn := &models.Transaction{
			ID:        11,
			UserID:    42,
			Amount:    decimal.NewFromInt(5),
			Currency:  "EUR",
			Operation: models.OperationWithdraw,
		}
		err := NewTransactionWriteRepository(db, nil).Save(context.Background(), txn)

		require.NoError(t, err)
		assert.Equal(t, int64(11), txn.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error propagates", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions")).WillReturnError(sql.ErrConnDone)

		txn := &models.Transaction{UserID: 1}
		err := NewTransactionWriteRepository(db, nil).Save(context.Background(), txn)

		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.Zero(t, txn.ID)
	})
}

func TestTransactionWriteRepository_DeleteByID(t *testing.T) {
	createdAt := time.Date(2025, 9, 26, 12, 0, 0, 0, time.UTC)
	query := regexp.QuoteMeta("DELETE FROM transactions WHERE id = $1 RETURNING")

	t.Run("returns deleted row", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(query).WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(transactionColumns).
				AddRow(int64(3), int64(42), "1", "USD", models.OperationDeposit, createdAt))

		got, err := NewTransactionWriteRepository(db, nil).DeleteByID(context.Background(), 3)

		require.NoError(t, err)
		assert.Equal(t, int64(42), got.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		db, mock := newSQLMock(t)
		mock.ExpectQuery(query).WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows(transactionColumns))

		got, err := NewTransactionWriteRepository(db, nil).DeleteByID(context.Background(), 3)

		assert.ErrorIs(t, err, models.ErrTransactionNotFound)
		assert.Nil(t, got)
	})
}
