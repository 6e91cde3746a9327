package repositories

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/logger"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
	"github.com/shopspring/decimal"
)

// DynamoIDIndex is the global secondary index keyed by transaction id.
const DynamoIDIndex = "id-index"

// DynamoDBAPI is the part of *dynamodb.Client used by DynamoTransactionRepository.
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoTransaction is the item layout: partition key user_id, sort key id.
// Amount is stored as its decimal string to keep precision.
type dynamoTransaction struct {
	ID        int64     `dynamodbav:"id"`
	UserID    int64     `dynamodbav:"user_id"`
	Amount    string    `dynamodbav:"amount"`
	Currency  string    `dynamodbav:"currency"`
	Operation string    `dynamodbav:"operation"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

func toDynamoTransaction(txn *models.Transaction) dynamoTransaction {
	return dynamoTransaction{
		ID:        txn.ID,
		UserID:    txn.UserID,
		Amount:    txn.Amount.String(),
		Currency:  txn.Currency,
		Operation: txn.Operation,
		CreatedAt: txn.CreatedAt,
	}
}

func (d dynamoTransaction) toModel() (models.Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return models.Transaction{}, err
	}
	return models.Transaction{
		ID:        d.ID,
		UserID:    d.UserID,
		Amount:    amount,
		Currency:  d.Currency,
		Operation: d.Operation,
		CreatedAt: d.CreatedAt,
	}, nil
}

func dynamoKey(userID, id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(userID, 10)},
		"id":      &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
	}
}

func unmarshalTransactions(items []map[string]types.AttributeValue) ([]models.Transaction, error) {
	var rows []dynamoTransaction
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, err
	}
	transactions := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		txn, err := row.toModel()
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, nil
}

func logDynamo(op, table string, args []any, result any, err error) {
	logger.Log.Infow("dynamodb",
		"op", op,
		"table", table,
		"args", args,
		"result", result,
		"error", err,
	)
}

// DynamoTransactionRepository stores transactions in DynamoDB.
// It implements the same read and write operations as the PostgreSQL repositories.
type DynamoTransactionRepository struct {
	client            DynamoDBAPI
	tableName         string
	sequenceTableName string
}

func NewDynamoTransactionRepository(opts ...func(*DynamoTransactionRepository)) *DynamoTransactionRepository {
	repo := &DynamoTransactionRepository{
		tableName:         "transactions",
		sequenceTableName: "transactions_sequence",
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func WithDynamoDBClient(client DynamoDBAPI) func(*DynamoTransactionRepository) {
	return func(repo *DynamoTransactionRepository) {
		repo.client = client
	}
}

func WithTableName(tableName string) func(*DynamoTransactionRepository) {
	return func(repo *DynamoTransactionRepository) {
		repo.tableName = tableName
	}
}

// WithSequenceTableName sets the table holding the id counter (hash key "name").
func WithSequenceTableName(tableName string) func(*DynamoTransactionRepository) {
	return func(repo *DynamoTransactionRepository) {
		repo.sequenceTableName = tableName
	}
}

// FindByUserID queries the user_id partition; items come back in id order.
func (r *DynamoTransactionRepository) FindByUserID(ctx context.Context, userID int64) ([]models.Transaction, error) {
	keyExpr := expression.Key("user_id").Equal(expression.Value(userID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, err
	}

	transactions, err := r.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	logDynamo("Query", r.tableName, []any{userID}, len(transactions), err)

	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// FindByID looks the id up through the id index.
func (r *DynamoTransactionRepository) FindByID(ctx context.Context, id int64) (*models.Transaction, error) {
	keyExpr := expression.Key("id").Equal(expression.Value(id))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, err
	}

	transactions, err := r.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(DynamoIDIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	logDynamo("Query", DynamoIDIndex, []any{id}, len(transactions), err)

	if err != nil {
		return nil, err
	}
	if len(transactions) == 0 {
		return nil, models.ErrTransactionNotFound
	}
	return &transactions[0], nil
}

func (r *DynamoTransactionRepository) ExistsByID(ctx context.Context, id int64) (bool, error) {
	_, err := r.FindByID(ctx, id)
	if errors.Is(err, models.ErrTransactionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindAll scans the whole table and sorts the result by id.
func (r *DynamoTransactionRepository) FindAll(ctx context.Context) ([]models.Transaction, error) {
	transactions := []models.Transaction{}

	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName: aws.String(r.tableName),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			logDynamo("Scan", r.tableName, nil, len(transactions), err)
			return nil, err
		}
		items, err := unmarshalTransactions(page.Items)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, items...)
	}

	slices.SortFunc(transactions, func(a, b models.Transaction) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	logDynamo("Scan", r.tableName, nil, len(transactions), nil)
	return transactions, nil
}

func (r *DynamoTransactionRepository) Count(ctx context.Context) (int64, error) {
	var count int64

	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName: aws.String(r.tableName),
		Select:    types.SelectCount,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			logDynamo("Scan", r.tableName, nil, count, err)
			return 0, err
		}
		count += int64(page.Count)
	}

	logDynamo("Scan", r.tableName, nil, count, nil)
	return count, nil
}

// maxIDAttempts bounds how often Save draws a new id when the generated one is taken.
const maxIDAttempts = 5

// ErrIDUnavailable is returned when no free id could be drawn from the sequence table.
var ErrIDUnavailable = errors.New("no free transaction id in sequence")

// Save allocates an id from the sequence table when txn.ID is zero, then writes the item.
// An explicit id moves the sequence forward so later generated ids never reuse it.
// When an existing record changes owner, the old item is removed in the same write transaction.
func (r *DynamoTransactionRepository) Save(ctx context.Context, txn *models.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	if txn.ID == 0 {
		return r.insert(ctx, txn)
	}

	if err := r.advanceSequence(ctx, txn.ID); err != nil {
		return err
	}

	var previous *models.Transaction
	prev, err := r.FindByID(ctx, txn.ID)
	switch {
	case err == nil:
		previous = prev
	case !errors.Is(err, models.ErrTransactionNotFound):
		return err
	}

	item, err := attributevalue.MarshalMap(toDynamoTransaction(txn))
	if err != nil {
		return err
	}

	if previous == nil || previous.UserID == txn.UserID {
		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(r.tableName),
			Item:      item,
		})
		logDynamo("PutItem", r.tableName, []any{txn.UserID, txn.ID}, "ok", err)
		return err
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: item}},
			{Delete: &types.Delete{TableName: aws.String(r.tableName), Key: dynamoKey(previous.UserID, previous.ID)}},
		},
	})
	logDynamo("TransactWriteItems", r.tableName, []any{previous.UserID, txn.UserID, txn.ID}, "ok", err)
	return err
}

// insert writes txn under a freshly drawn id. The put is conditional on the key
// being free; a taken id is skipped and another one drawn.
func (r *DynamoTransactionRepository) insert(ctx context.Context, txn *models.Transaction) error {
	cond := expression.AttributeNotExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.nextID(ctx)
		if err != nil {
			return err
		}

		row := toDynamoTransaction(txn)
		row.ID = id
		item, err := attributevalue.MarshalMap(row)
		if err != nil {
			return err
		}

		_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(r.tableName),
			Item:                     item,
			ConditionExpression:      expr.Condition(),
			ExpressionAttributeNames: expr.Names(),
		})
		logDynamo("PutItem", r.tableName, []any{txn.UserID, id}, "ok", err)

		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			logger.Log.Warnw("generated transaction id already taken, drawing another", "id", id)
			continue
		}
		if err != nil {
			return err
		}

		txn.ID = id
		return nil
	}
	return ErrIDUnavailable
}

// DeleteByID removes the item and returns it, or models.ErrTransactionNotFound.
func (r *DynamoTransactionRepository) DeleteByID(ctx context.Context, id int64) (*models.Transaction, error) {
	txn, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cond := expression.AttributeExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, err
	}

	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      dynamoKey(txn.UserID, txn.ID),
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})

	logDynamo("DeleteItem", r.tableName, []any{txn.UserID, id}, "ok", err)

	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, models.ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

func (r *DynamoTransactionRepository) query(ctx context.Context, input *dynamodb.QueryInput) ([]models.Transaction, error) {
	transactions := []models.Transaction{}

	p := dynamodb.NewQueryPaginator(r.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items, err := unmarshalTransactions(page.Items)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, items...)
	}
	return transactions, nil
}

// nextID atomically increments the counter item named after the transactions table.
func (r *DynamoTransactionRepository) nextID(ctx context.Context) (int64, error) {
	update := expression.Add(expression.Name("seq"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, err
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.sequenceTableName),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: r.tableName},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})

	logDynamo("UpdateItem", r.sequenceTableName, []any{r.tableName}, "seq", err)

	if err != nil {
		return 0, err
	}

	var seq struct {
		Seq int64 `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &seq); err != nil {
		return 0, err
	}
	return seq.Seq, nil
}

// advanceSequence raises the counter to id when it is below it.
func (r *DynamoTransactionRepository) advanceSequence(ctx context.Context, id int64) error {
	cond := expression.Or(
		expression.AttributeNotExists(expression.Name("seq")),
		expression.Name("seq").LessThan(expression.Value(id)),
	)
	update := expression.Set(expression.Name("seq"), expression.Value(id))
	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
	if err != nil {
		return err
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.sequenceTableName),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: r.tableName},
		},
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	logDynamo("UpdateItem", r.sequenceTableName, []any{r.tableName, id}, "advance", err)

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}
