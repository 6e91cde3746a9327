package services

//go:generate mockgen -source=transaction.go -destination=mock_transaction.go -package=services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/logger"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
	"github.com/segmentio/kafka-go"
)

// TransactionReader defines read access to stored transactions.
type TransactionReader interface {
	FindByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) // Returns all transactions of a user
	FindByID(ctx context.Context, id int64) (*models.Transaction, error)          // Returns one transaction or models.ErrTransactionNotFound
	ExistsByID(ctx context.Context, id int64) (bool, error)                       // Reports whether a transaction exists
	FindAll(ctx context.Context) ([]models.Transaction, error)                    // Returns every transaction
	Count(ctx context.Context) (int64, error)                                     // Returns the number of transactions
}

// TransactionWriter defines write access to stored transactions.
type TransactionWriter interface {
	Save(ctx context.Context, txn *models.Transaction) error               // Inserts or updates a transaction
	DeleteByID(ctx context.Context, id int64) (*models.Transaction, error) // Deletes a transaction and returns it
}

// TransactionCache caches per-user lookup results.
type TransactionCache interface {
	GetByUserID(ctx context.Context, userID int64) ([]models.Transaction, error)            // Returns cached lookup or models.ErrCacheMiss
	SetByUserID(ctx context.Context, userID int64, transactions []models.Transaction) error // Stores a lookup result
	InvalidateUser(ctx context.Context, userID int64) error                                 // Drops the cached lookup of a user
}

// TxRunner runs fn as a single unit of work.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// KafkaWriter defines a Kafka writer abstraction.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error // Writes messages to Kafka
	Close() error                                                   // Closes the Kafka writer
}

// TransactionService serves transaction lookups and writes.
// The cache, transaction runner and Kafka writer are optional and may be nil.
type TransactionService struct {
	readRepo    TransactionReader
	writeRepo   TransactionWriter
	cacheRepo   TransactionCache
	txRunner    TxRunner
	kafkaWriter KafkaWriter
}

// NewTransactionService creates a new TransactionService.
func NewTransactionService(
	readRepo TransactionReader,
	writeRepo TransactionWriter,
	cacheRepo TransactionCache,
	txRunner TxRunner,
	kafkaWriter KafkaWriter,
) *TransactionService {
	return &TransactionService{
		readRepo:    readRepo,
		writeRepo:   writeRepo,
		cacheRepo:   cacheRepo,
		txRunner:    txRunner,
		kafkaWriter: kafkaWriter,
	}
}

// FindByUserID returns every transaction owned by userID.
// A cached result is served when present; otherwise the repository is read and the cache filled.
// Repository errors are returned unmodified.
func (s *TransactionService) FindByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) {
	if s.cacheRepo != nil {
		cached, err := s.cacheRepo.GetByUserID(ctx, userID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			logger.Log.Warnw("failed to read cached transactions", "userID", userID, "error", err)
		}
	}

	transactions, err := s.readRepo.FindByUserID(ctx, userID)
	if err != nil {
		logger.Log.Errorw("failed to find transactions", "userID", userID, "error", err)
		return nil, err
	}

	if s.cacheRepo != nil {
		if err := s.cacheRepo.SetByUserID(ctx, userID, transactions); err != nil {
			logger.Log.Errorw("failed to cache transactions", "userID", userID, "error", err)
		}
	}

	return transactions, nil
}

func (s *TransactionService) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.readRepo.FindByID(ctx, id)
}

func (s *TransactionService) ExistsByID(ctx context.Context, id int64) (bool, error) {
	return s.readRepo.ExistsByID(ctx, id)
}

func (s *TransactionService) FindAll(ctx context.Context) ([]models.Transaction, error) {
	return s.readRepo.FindAll(ctx)
}

func (s *TransactionService) Count(ctx context.Context) (int64, error) {
	return s.readRepo.Count(ctx)
}

// Save stores txn, drops the affected cache entries and publishes a transaction.saved event.
func (s *TransactionService) Save(ctx context.Context, txn *models.Transaction) error {
	owners, err := s.save(ctx, txn)
	if err != nil {
		return err
	}

	s.invalidate(ctx, owners...)
	s.publishEvent(ctx, models.EventTransactionSaved, *txn)
	return nil
}

// SaveAll stores all transactions in one unit of work.
// Cache entries are dropped and events published only after every save succeeded.
// On failure the ids and creation times assigned to txns are restored for the records
// that were rolled back. Without a runner the records written before the failure stay
// stored, so their owners' cache entries are still dropped.
func (s *TransactionService) SaveAll(ctx context.Context, txns []*models.Transaction) error {
	type assigned struct {
		id        int64
		createdAt time.Time
	}
	original := make([]assigned, len(txns))
	for i, txn := range txns {
		original[i] = assigned{id: txn.ID, createdAt: txn.CreatedAt}
	}

	var (
		owners []int64
		saved  int
	)

	saveAll := func(ctx context.Context) error {
		owners, saved = owners[:0], 0
		for _, txn := range txns {
			affected, err := s.save(ctx, txn)
			if err != nil {
				return err
			}
			owners = append(owners, affected...)
			saved++
		}
		return nil
	}

	var err error
	if s.txRunner != nil {
		err = s.txRunner.WithinTx(ctx, saveAll)
	} else {
		err = saveAll(ctx)
	}
	if err != nil {
		kept := 0
		if s.txRunner == nil {
			kept = saved
			s.invalidate(ctx, owners...)
		}
		for i := kept; i < len(txns); i++ {
			txns[i].ID, txns[i].CreatedAt = original[i].id, original[i].createdAt
		}
		return err
	}

	s.invalidate(ctx, owners...)
	for _, txn := range txns {
		s.publishEvent(ctx, models.EventTransactionSaved, *txn)
	}
	return nil
}

// DeleteByID removes a transaction, drops its owner's cache entry and publishes a transaction.deleted event.
func (s *TransactionService) DeleteByID(ctx context.Context, id int64) (*models.Transaction, error) {
	deleted, err := s.writeRepo.DeleteByID(ctx, id)
	if err != nil {
		logger.Log.Errorw("failed to delete transaction", "id", id, "error", err)
		return nil, err
	}

	s.invalidate(ctx, deleted.UserID)
	s.publishEvent(ctx, models.EventTransactionDeleted, *deleted)
	return deleted, nil
}

// save writes txn and returns the users whose cached lookups it affects.
func (s *TransactionService) save(ctx context.Context, txn *models.Transaction) ([]int64, error) {
	owners := []int64{txn.UserID}

	if s.cacheRepo != nil && txn.ID != 0 {
		previous, err := s.readRepo.FindByID(ctx, txn.ID)
		switch {
		case err == nil:
			if previous.UserID != txn.UserID {
				owners = append(owners, previous.UserID)
			}
		case !errors.Is(err, models.ErrTransactionNotFound):
			logger.Log.Errorw("failed to read previous transaction", "id", txn.ID, "error", err)
			return nil, err
		}
	}

	if err := s.writeRepo.Save(ctx, txn); err != nil {
		logger.Log.Errorw("failed to save transaction", "id", txn.ID, "userID", txn.UserID, "error", err)
		return nil, err
	}
	return owners, nil
}

func (s *TransactionService) invalidate(ctx context.Context, userIDs ...int64) {
	if s.cacheRepo == nil {
		return
	}

	seen := make(map[int64]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}

		if err := s.cacheRepo.InvalidateUser(ctx, userID); err != nil {
			logger.Log.Errorw("failed to invalidate cached transactions", "userID", userID, "error", err)
		}
	}
}

// publishEvent publishes a transaction event to Kafka.
func (s *TransactionService) publishEvent(ctx context.Context, eventType string, txn models.Transaction) {
	if s.kafkaWriter == nil {
		logger.Log.Warnw("Kafka writer not configured, skipping publishing", "transaction_id", txn.ID)
		return
	}

	event := models.TransactionEvent{
		EventID:     uuid.New(),
		Type:        eventType,
		Timestamp:   time.Now().Unix(),
		Transaction: txn,
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Log.Errorw("Failed to marshal transaction event for Kafka", "transaction_id", txn.ID, "error", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(txn.ID, 10)),
		Value: data,
	}

	if err := s.kafkaWriter.WriteMessages(ctx, msg); err != nil {
		logger.Log.Errorw("Failed to publish transaction event to Kafka", "transaction_id", txn.ID, "type", eventType, "error", err)
	} else {
		logger.Log.Infow("Transaction event published to Kafka", "transaction_id", txn.ID, "type", eventType)
	}
}
