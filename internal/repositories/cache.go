package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/logger"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
)

// TransactionCacheRepository caches per-user lookup results in Redis
type TransactionCacheRepository struct {
	client *redis.Client
	exp    time.Duration // expiration duration for cached lookups
}

// NewTransactionCacheRepository creates a new repository instance with the given TTL
func NewTransactionCacheRepository(client *redis.Client, expiration time.Duration) *TransactionCacheRepository {
	return &TransactionCacheRepository{
		client: client,
		exp:    expiration,
	}
}

func userTransactionsKey(userID int64) string {
	return fmt.Sprintf("transactions:user:%d", userID)
}

// GetByUserID returns the cached lookup for userID or models.ErrCacheMiss
func (r *TransactionCacheRepository) GetByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) {
	key := userTransactionsKey(userID)

	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		logger.Log.Debugw("cache get", "key", key, "error", err)
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrCacheMiss
		}
		return nil, err
	}

	transactions := []models.Transaction{}
	if err := json.Unmarshal(val, &transactions); err != nil {
		logger.Log.Warnw("cache entry is corrupted", "key", key, "error", err)
		return nil, err
	}

	logger.Log.Debugw("cache get", "key", key, "result", len(transactions))
	return transactions, nil
}

// SetByUserID stores the lookup result for userID with expiration
func (r *TransactionCacheRepository) SetByUserID(ctx context.Context, userID int64, transactions []models.Transaction) error {
	key := userTransactionsKey(userID)

	data, err := json.Marshal(transactions)
	if err != nil {
		return err
	}
	err = r.client.Set(ctx, key, data, r.exp).Err()

	logger.Log.Debugw("cache set", "key", key, "result", len(transactions), "error", err)
	return err
}

// InvalidateUser drops the cached lookup for userID
func (r *TransactionCacheRepository) InvalidateUser(ctx context.Context, userID int64) error {
	key := userTransactionsKey(userID)
	err := r.client.Del(ctx, key).Err()

	logger.Log.Debugw("cache invalidate", "key", key, "error", err)
	return err
}
