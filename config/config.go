package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Port                          int      `env:"PORT" env-default:"3003"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`

	// PostgreSQL (authoritative store)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph mirror (Memgraph/Neo4j over Bolt), best effort
	GraphMirrorEnabled bool   `env:"GRAPH_MIRROR_ENABLED" env-default:"true"`
	GraphDBHost        string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort        int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser        string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword    string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Kafka Consumer (extracted-entity ingest)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"extracted-entities"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer (merge lifecycle events for downstream graph sync)
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"entity-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Embeddings (external provider + local badger cache)
	EmbeddingProviderURL     string        `env:"EMBEDDING_PROVIDER_URL" env-default:"http://localhost:11434"`
	EmbeddingModel           string        `env:"EMBEDDING_MODEL" env-default:"nomic-embed-text"`
	EmbeddingTimeout         time.Duration `env:"EMBEDDING_TIMEOUT" env-default:"30s"`
	EmbeddingCachePath       string        `env:"EMBEDDING_CACHE_PATH" env-default:"/var/lib/fern/embeddings"`
	EmbeddingCacheTTL        time.Duration `env:"EMBEDDING_CACHE_TTL" env-default:"168h"`
	EmbeddingCacheInMemory   bool          `env:"EMBEDDING_CACHE_IN_MEMORY" env-default:"false"`

	// Tracing
	TracingEnabled      bool   `env:"TRACING_ENABLED" env-default:"false"`
	TracingOTLPEndpoint string `env:"TRACING_OTLP_ENDPOINT" env-default:"localhost:4317"`
	TracingOTLPProtocol string `env:"TRACING_OTLP_PROTOCOL" env-default:"grpc"`
	TracingInsecure     bool   `env:"TRACING_INSECURE" env-default:"true"`

	// Consolidation runs
	RunWorkerCount    int           `env:"RUN_WORKER_COUNT" env-default:"4"`
	RunLeaseTTL       time.Duration `env:"RUN_LEASE_TTL" env-default:"30m"`
	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" env-default:"false"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" env-default:"1h"`

	// Review queue hygiene
	ReviewItemTTL       time.Duration `env:"REVIEW_ITEM_TTL" env-default:"720h"`
	ReviewSweepInterval time.Duration `env:"REVIEW_SWEEP_INTERVAL" env-default:"1h"`
}
