package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/sbilibin2017/gw-transaction-dashboard/internal/logger"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/models"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/repositories"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/services"
	"github.com/sbilibin2017/gw-transaction-dashboard/internal/transactor"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// Build info variables, set via ldflags at build time.
var (
	buildVersion = "N/A" // Version of the service
	buildDate    = "N/A" // Build date
	buildCommit  = "N/A" // Git commit hash
)

// Storage backends selectable with APP_STORAGE.
const (
	storagePostgres = "postgres"
	storageDynamoDB = "dynamodb"
)

// config holds everything read by parseConfig.
type config struct {
	logLevel string
	storage  string

	pgDriver       string
	pgHost         string
	pgPort         int
	pgUser         string
	pgPassword     string
	pgDB           string
	pgMaxOpenConns int
	pgMaxIdleConns int

	redisHost         string // empty disables the lookup cache
	redisPort         int
	redisDB           int
	redisPassword     string
	redisPoolSize     int
	redisMinIdleConns int
	redisExpSecond    int

	kafkaBrokers []string // empty disables event publishing
	kafkaTopic   string

	dynamoTable         string
	dynamoSequenceTable string
	dynamoEndpoint      string
	awsRegion           string
}

func main() {
	printBuildInfo()
	configPath, userID := parseFlags()

	cfg, err := parseConfig(configPath)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg, userID, os.Stdout); err != nil {
		log.Fatalf("application stopped with error: %v", err)
	}
}

// printBuildInfo prints the build version, commit hash, and build date.
func printBuildInfo() {
	fmt.Printf("Version: %s, Commit: %s, Build: %s\n", buildVersion, buildCommit, buildDate)
}

// parseFlags parses command-line flags and returns the config file path and the user to look up.
func parseFlags() (string, int64) {
	c := flag.String("c", "config.env", "Path to configuration file")
	u := flag.Int64("user", 0, "ID of the user whose transactions are listed")
	flag.Parse()
	return *c, *u
}

// parseConfig loads environment variables from a file and returns
// logging, storage, Redis, Kafka and DynamoDB configuration.
func parseConfig(path string) (cfg config, err error) {
	_ = godotenv.Load(path)

	getEnv := func(key, defaultValue string) string {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
		return defaultValue
	}

	// Application config
	cfg.logLevel = getEnv("APP_LOG_LEVEL", "info")
	cfg.storage = getEnv("APP_STORAGE", storagePostgres)
	if cfg.storage != storagePostgres && cfg.storage != storageDynamoDB {
		err = fmt.Errorf("unknown APP_STORAGE %q", cfg.storage)
		return
	}

	// PostgreSQL config
	cfg.pgDriver = getEnv("POSTGRES_DRIVER", "pgx")
	if cfg.pgDriver != "pgx" && cfg.pgDriver != "postgres" {
		err = fmt.Errorf("unknown POSTGRES_DRIVER %q", cfg.pgDriver)
		return
	}
	cfg.pgHost = getEnv("POSTGRES_HOST", "localhost")
	cfg.pgUser = getEnv("POSTGRES_USER", "user")
	cfg.pgPassword = getEnv("POSTGRES_PASSWORD", "password")
	cfg.pgDB = getEnv("POSTGRES_DB", "database")
	if cfg.pgPort, err = strconv.Atoi(getEnv("POSTGRES_PORT", "5432")); err != nil {
		return
	}
	if cfg.pgMaxOpenConns, err = strconv.Atoi(getEnv("POSTGRES_MAX_OPEN_CONNS", "16")); err != nil {
		return
	}
	if cfg.pgMaxIdleConns, err = strconv.Atoi(getEnv("POSTGRES_MAX_IDLE_CONNS", "8")); err != nil {
		return
	}

	// Redis config
	cfg.redisHost = getEnv("REDIS_HOST", "")
	if cfg.redisPort, err = strconv.Atoi(getEnv("REDIS_PORT", "6379")); err != nil {
		return
	}
	if cfg.redisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return
	}
	cfg.redisPassword = getEnv("REDIS_PASSWORD", "")
	if cfg.redisPoolSize, err = strconv.Atoi(getEnv("REDIS_POOL_SIZE", "10")); err != nil {
		return
	}
	if cfg.redisMinIdleConns, err = strconv.Atoi(getEnv("REDIS_MIN_IDLE_CONNS", "2")); err != nil {
		return
	}
	if cfg.redisExpSecond, err = strconv.Atoi(getEnv("REDIS_EXP_SECOND", "60")); err != nil {
		return
	}

	// Kafka config
	for _, broker := range strings.Split(getEnv("KAFKA_BROKERS", ""), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.kafkaBrokers = append(cfg.kafkaBrokers, broker)
		}
	}
	cfg.kafkaTopic = getEnv("KAFKA_TOPIC", "transactions")

	// DynamoDB config
	cfg.dynamoTable = getEnv("DYNAMODB_TABLE", "transactions")
	cfg.dynamoSequenceTable = getEnv("DYNAMODB_SEQUENCE_TABLE", "transactions_sequence")
	cfg.dynamoEndpoint = getEnv("DYNAMODB_ENDPOINT", "")
	cfg.awsRegion = getEnv("AWS_REGION", "us-east-1")

	return
}

// transactionStore is the storage backend behind the service.
type transactionStore interface {
	services.TransactionReader
	services.TransactionWriter
}

// run initializes the logger, storage, optional Redis cache and Kafka writer,
// looks up the user's transactions and renders them to out.
func run(ctx context.Context, cfg config, userID int64, out io.Writer) error {
	// Initialize logger
	if err := logger.Initialize(cfg.logLevel); err != nil {
		fmt.Println("failed to initialize logger:", err)
		return err
	}
	defer logger.Sync()
	logger.Log.Infof("Logger initialized with level %s", cfg.logLevel)

	var (
		store    transactionStore
		txRunner services.TxRunner
	)

	switch cfg.storage {
	case storageDynamoDB:
		client, err := newDynamoDBClient(ctx, cfg)
		if err != nil {
			return err
		}
		store = repositories.NewDynamoTransactionRepository(
			repositories.WithDynamoDBClient(client),
			repositories.WithTableName(cfg.dynamoTable),
			repositories.WithSequenceTableName(cfg.dynamoSequenceTable),
		)
	default:
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.pgUser, cfg.pgPassword, cfg.pgHost, cfg.pgPort, cfg.pgDB)
		logger.Log.Infow("Connecting to PostgreSQL", "driver", cfg.pgDriver, "host", cfg.pgHost, "db", cfg.pgDB)

		db, err := sqlx.ConnectContext(ctx, cfg.pgDriver, dsn)
		if err != nil {
			logger.Log.Errorw("PostgreSQL connection error", "error", err)
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.pgMaxOpenConns)
		db.SetMaxIdleConns(cfg.pgMaxIdleConns)

		store = newPostgresStore(db)
		txRunner = transactor.New(db)
	}

	// Connect to Redis
	var cache services.TransactionCache
	if cfg.redisHost != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.redisHost, cfg.redisPort),
			Password:     cfg.redisPassword,
			DB:           cfg.redisDB,
			PoolSize:     cfg.redisPoolSize,
			MinIdleConns: cfg.redisMinIdleConns,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Log.Errorw("Redis connection error", "error", err)
			return err
		}
		cache = repositories.NewTransactionCacheRepository(rdb, time.Duration(cfg.redisExpSecond)*time.Second)
	}

	// Kafka writer
	var publisher services.KafkaWriter
	if len(cfg.kafkaBrokers) > 0 {
		writer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.kafkaBrokers...),
			Topic:    cfg.kafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
		defer writer.Close()
		publisher = writer
	}

	svc := services.NewTransactionService(store, store, cache, txRunner, publisher)

	transactions, err := svc.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}

	renderTransactions(out, userID, transactions)
	return nil
}

// postgresStore joins the read and write repositories over one pool.
type postgresStore struct {
	*repositories.TransactionReadRepository
	*repositories.TransactionWriteRepository
}

func newPostgresStore(db *sqlx.DB) *postgresStore {
	return &postgresStore{
		TransactionReadRepository:  repositories.NewTransactionReadRepository(db, transactor.TxFromContext),
		TransactionWriteRepository: repositories.NewTransactionWriteRepository(db, transactor.TxFromContext),
	}
}

func newDynamoDBClient(ctx context.Context, cfg config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.awsRegion))
	if err != nil {
		logger.Log.Errorw("failed to load AWS config", "error", err)
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.dynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.dynamoEndpoint)
		}
	}), nil
}

// renderTransactions writes the lookup result as a table.
func renderTransactions(out io.Writer, userID int64, transactions []models.Transaction) {
	fmt.Fprintf(out, "Transactions of user %d: %d\n", userID, len(transactions))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "User", "Amount", "Currency", "Operation", "Created At"})
	for _, txn := range transactions {
		table.Append([]string{
			strconv.FormatInt(txn.ID, 10),
			strconv.FormatInt(txn.UserID, 10),
			txn.Amount.StringFixed(2),
			txn.Currency,
			txn.Operation,
			txn.CreatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}
