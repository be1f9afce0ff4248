// Package config loads runtime configuration in three layers: an optional
// YAML file named by CONFIG_FILE, then the environment (with an optional
// .env file), then defaults for whatever is still unset. Environment values
// override the file; no defaults are applied while reading, they are filled
// in once afterward.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig is the relational store (Expediente/Document/Chunk/Job/Audit
// tables) connection.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig mirrors the connection fields used by the ProgressTracker and
// SessionStore Redis adapters.
type RedisConfig struct {
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// VectorConfig selects and sizes the VectorStore backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "postgres" or "qdrant"
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"` // "cosine", "l2", "dot"
	QdrantAddr string `yaml:"qdrant_addr"`
	Collection string `yaml:"collection"`
}

// EmbeddingConfig configures the embedding HTTP client.
type EmbeddingConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	APIHeader      string        `yaml:"api_header"`
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"-"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
}

// S3SSEConfig configures server-side encryption on object store writes.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kms_key_id"`
}

// S3Config configures the object storage adapter. Field names/shape mirror
// what internal/objectstore/s3.go expects.
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint"`
	AccessKey             string      `yaml:"access_key"`
	SecretKey             string      `yaml:"secret_key"`
	Prefix                string      `yaml:"prefix"`
	UsePathStyle          bool        `yaml:"use_path_style"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// LLMConfig configures the chat/completion provider used by QueryRewriter and
// RAGChain.
type LLMConfig struct {
	Provider       string        `yaml:"provider"` // "openai", "anthropic", or "google"/"gemini"
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"-"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
}

// AudioConfig configures AudioTranscriber strategy selection and
// chunking: a file at or under ChunkingThresholdMB tries
// DirectStrategy first (falling back to ChunkedStrategy on an OOM-shaped
// error); above the threshold, ChunkedStrategy runs directly.
type AudioConfig struct {
	WhisperModelPath     string  `yaml:"whisper_model_path"`
	Language             string  `yaml:"language"`
	ChunkDurationMinutes int     `yaml:"chunk_duration_minutes"`
	ChunkOverlapSeconds  int     `yaml:"chunk_overlap_seconds"`
	ChunkingThresholdMB  float64 `yaml:"chunking_threshold_mb"`
	MaxChunks            int     `yaml:"max_chunks"`
}

// ExtractConfig configures the TextExtractor external collaborators and
// OCR-fallback policy.
type ExtractConfig struct {
	ConverterBaseURL string `yaml:"converter_base_url"`
	OCRBaseURL       string `yaml:"ocr_base_url"`
	OCRMaxPages      int    `yaml:"ocr_max_pages"`
	OCRDPI           int    `yaml:"ocr_dpi"`
}

// RetrievalConfig configures the Retriever defaults, which differ by
// mode.
type RetrievalConfig struct {
	TopKGeneral                   int     `yaml:"top_k_general"`
	TopKExpediente                int     `yaml:"top_k_expediente"`
	SimilarityThresholdGeneral    float64 `yaml:"similarity_threshold_general"`
	SimilarityThresholdExpediente float64 `yaml:"similarity_threshold_expediente"`
	ExpedienteChunkCap            int     `yaml:"expediente_chunk_cap"`
	NeighborWindow                int     `yaml:"neighbor_window"` // 0 disables neighbor expansion
}

// SessionConfig configures SessionStore bounds.
type SessionConfig struct {
	ChatHistoryLimit int           `yaml:"chat_history_limit"`
	SessionTTL       time.Duration `yaml:"-"`
	SessionTTLDays   int           `yaml:"session_ttl_days"`
}

// KafkaConfig configures the ingestion job queue transport.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	CommandsTopic  string   `yaml:"commands_topic"`
	ResponsesTopic string   `yaml:"responses_topic"`
}

// ClickHouseConfig configures the optional auditstats analytics mirror:
// a blank DSN leaves AuditLogger running without it, matching the
// "no DSN configured means this feature is off" convention used for every
// other optional backend here.
type ClickHouseConfig struct {
	DSN            string `yaml:"dsn"`
	Database       string `yaml:"database"`
	EventsTable    string `yaml:"events_table"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IngestionConfig bounds what the ingestion pipeline will accept.
type IngestionConfig struct {
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ReingestPolicy    string   `yaml:"reingest_policy"` // "skip", "overwrite", "new_version"
}

// Config is the full process configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	S3         S3Config         `yaml:"s3"`
	LLM        LLMConfig        `yaml:"llm"`
	Audio      AudioConfig      `yaml:"audio"`
	Extract    ExtractConfig    `yaml:"extract"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Session    SessionConfig    `yaml:"session"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
}

// Load reads configuration from the YAML file named by CONFIG_FILE (if set),
// a .env file (if present), and the process environment, applying defaults
// afterward. Environment variables override file values.
func Load() (Config, error) {
	_ = godotenv.Overload()

	var cfg Config

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Database.DSN = envStr("DATABASE_DSN", cfg.Database.DSN)

	cfg.Redis.Addr = envStr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envStr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = parseInt(os.Getenv("REDIS_DB"), cfg.Redis.DB)
	cfg.Redis.TLSInsecureSkipVerify = parseBool(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"), cfg.Redis.TLSInsecureSkipVerify)

	cfg.Vector.Backend = envStr("VECTOR_BACKEND", cfg.Vector.Backend)
	cfg.Vector.Dimensions = parseInt(os.Getenv("VECTOR_DIMENSIONS"), cfg.Vector.Dimensions)
	cfg.Vector.Metric = envStr("VECTOR_METRIC", cfg.Vector.Metric)
	cfg.Vector.QdrantAddr = envStr("QDRANT_ADDR", cfg.Vector.QdrantAddr)
	cfg.Vector.Collection = envStr("VECTOR_COLLECTION", cfg.Vector.Collection)

	cfg.Embedding.BaseURL = envStr("EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Model = envStr("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.APIKey = envStr("EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.APIHeader = envStr("EMBEDDING_API_HEADER", cfg.Embedding.APIHeader)
	cfg.Embedding.Path = envStr("EMBEDDING_PATH", cfg.Embedding.Path)
	cfg.Embedding.TimeoutSeconds = parseInt(os.Getenv("EMBEDDING_TIMEOUT_SECONDS"), cfg.Embedding.TimeoutSeconds)

	cfg.S3.Bucket = envStr("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = envStr("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = envStr("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = envStr("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = envStr("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Prefix = envStr("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.UsePathStyle = parseBool(os.Getenv("S3_USE_PATH_STYLE"), cfg.S3.UsePathStyle)
	cfg.S3.TLSInsecureSkipVerify = parseBool(os.Getenv("S3_TLS_INSECURE_SKIP_VERIFY"), cfg.S3.TLSInsecureSkipVerify)
	cfg.S3.SSE.Mode = envStr("S3_SSE_MODE", cfg.S3.SSE.Mode)
	cfg.S3.SSE.KMSKeyID = envStr("S3_SSE_KMS_KEY_ID", cfg.S3.SSE.KMSKeyID)

	cfg.LLM.Provider = envStr("LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = envStr("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.APIKey = envStr("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = envStr("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.TimeoutSeconds = parseInt(os.Getenv("LLM_TIMEOUT_SECONDS"), cfg.LLM.TimeoutSeconds)

	cfg.Audio.WhisperModelPath = envStr("WHISPER_MODEL_PATH", cfg.Audio.WhisperModelPath)
	cfg.Audio.Language = envStr("AUDIO_LANGUAGE", cfg.Audio.Language)
	cfg.Audio.ChunkDurationMinutes = parseInt(os.Getenv("AUDIO_CHUNK_DURATION_MINUTES"), cfg.Audio.ChunkDurationMinutes)
	cfg.Audio.ChunkOverlapSeconds = parseInt(os.Getenv("AUDIO_CHUNK_OVERLAP_SECONDS"), cfg.Audio.ChunkOverlapSeconds)
	cfg.Audio.ChunkingThresholdMB = parseFloat(os.Getenv("AUDIO_CHUNKING_THRESHOLD_MB"), cfg.Audio.ChunkingThresholdMB)
	cfg.Audio.MaxChunks = parseInt(os.Getenv("AUDIO_MAX_CHUNKS"), cfg.Audio.MaxChunks)

	cfg.Extract.ConverterBaseURL = envStr("EXTRACT_CONVERTER_BASE_URL", cfg.Extract.ConverterBaseURL)
	cfg.Extract.OCRBaseURL = envStr("EXTRACT_OCR_BASE_URL", cfg.Extract.OCRBaseURL)
	cfg.Extract.OCRMaxPages = parseInt(os.Getenv("EXTRACT_OCR_MAX_PAGES"), cfg.Extract.OCRMaxPages)
	cfg.Extract.OCRDPI = parseInt(os.Getenv("EXTRACT_OCR_DPI"), cfg.Extract.OCRDPI)

	cfg.Retrieval.TopKGeneral = parseInt(os.Getenv("RETRIEVAL_TOP_K_GENERAL"), cfg.Retrieval.TopKGeneral)
	cfg.Retrieval.TopKExpediente = parseInt(os.Getenv("RETRIEVAL_TOP_K_EXPEDIENTE"), cfg.Retrieval.TopKExpediente)
	cfg.Retrieval.SimilarityThresholdGeneral = parseFloat(os.Getenv("RETRIEVAL_THRESHOLD_GENERAL"), cfg.Retrieval.SimilarityThresholdGeneral)
	cfg.Retrieval.SimilarityThresholdExpediente = parseFloat(os.Getenv("RETRIEVAL_THRESHOLD_EXPEDIENTE"), cfg.Retrieval.SimilarityThresholdExpediente)
	cfg.Retrieval.ExpedienteChunkCap = parseInt(os.Getenv("RETRIEVAL_EXPEDIENTE_CHUNK_CAP"), cfg.Retrieval.ExpedienteChunkCap)
	cfg.Retrieval.NeighborWindow = parseInt(os.Getenv("RETRIEVAL_NEIGHBOR_WINDOW"), cfg.Retrieval.NeighborWindow)

	cfg.Session.ChatHistoryLimit = parseInt(os.Getenv("SESSION_CHAT_HISTORY_LIMIT"), cfg.Session.ChatHistoryLimit)
	cfg.Session.SessionTTLDays = parseInt(os.Getenv("SESSION_TTL_DAYS"), cfg.Session.SessionTTLDays)

	if brokers := splitNonEmpty(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.CommandsTopic = envStr("KAFKA_COMMANDS_TOPIC", cfg.Kafka.CommandsTopic)
	cfg.Kafka.ResponsesTopic = envStr("KAFKA_RESPONSES_TOPIC", cfg.Kafka.ResponsesTopic)

	cfg.Ingestion.MaxFileSizeBytes = int64(parseInt(os.Getenv("INGESTION_MAX_FILE_SIZE_BYTES"), int(cfg.Ingestion.MaxFileSizeBytes)))
	if exts := splitNonEmpty(os.Getenv("INGESTION_ALLOWED_EXTENSIONS")); len(exts) > 0 {
		cfg.Ingestion.AllowedExtensions = exts
	}
	cfg.Ingestion.ReingestPolicy = envStr("INGESTION_REINGEST_POLICY", cfg.Ingestion.ReingestPolicy)

	cfg.ClickHouse.DSN = envStr("CLICKHOUSE_DSN", cfg.ClickHouse.DSN)
	cfg.ClickHouse.Database = envStr("CLICKHOUSE_DATABASE", cfg.ClickHouse.Database)
	cfg.ClickHouse.EventsTable = envStr("CLICKHOUSE_EVENTS_TABLE", cfg.ClickHouse.EventsTable)
	cfg.ClickHouse.TimeoutSeconds = parseInt(os.Getenv("CLICKHOUSE_TIMEOUT_SECONDS"), cfg.ClickHouse.TimeoutSeconds)

	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPath = envStr("LOG_PATH", cfg.LogPath)

	applyDefaults(&cfg)

	if cfg.Database.DSN == "" {
		return cfg, fmt.Errorf("config: DATABASE_DSN is required")
	}

	return cfg, nil
}

// loadYAMLFile unmarshals path into cfg. A missing or unreadable file is an
// error: pointing CONFIG_FILE at a file that cannot be read is a deployment
// mistake, not an optional layer.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "postgres"
	}
	if cfg.Vector.Dimensions == 0 {
		cfg.Vector.Dimensions = 1536
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = "expediente_chunks"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.APIHeader == "" {
		cfg.Embedding.APIHeader = "Authorization"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	cfg.Embedding.Timeout = time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	cfg.LLM.Timeout = time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	if cfg.Audio.ChunkDurationMinutes == 0 {
		cfg.Audio.ChunkDurationMinutes = 10
	}
	if cfg.Audio.ChunkOverlapSeconds == 0 {
		cfg.Audio.ChunkOverlapSeconds = 30
	}
	if cfg.Audio.ChunkingThresholdMB == 0 {
		cfg.Audio.ChunkingThresholdMB = 50
	}
	if cfg.Audio.MaxChunks == 0 {
		cfg.Audio.MaxChunks = 50
	}
	if cfg.Audio.Language == "" {
		cfg.Audio.Language = "es"
	}
	if cfg.Extract.OCRMaxPages == 0 {
		cfg.Extract.OCRMaxPages = 20
	}
	if cfg.Extract.OCRDPI == 0 {
		cfg.Extract.OCRDPI = 200
	}
	if cfg.Retrieval.TopKGeneral == 0 {
		cfg.Retrieval.TopKGeneral = 15
	}
	if cfg.Retrieval.TopKExpediente == 0 {
		cfg.Retrieval.TopKExpediente = 50
	}
	if cfg.Retrieval.SimilarityThresholdGeneral <= 0 {
		cfg.Retrieval.SimilarityThresholdGeneral = 0.3
	}
	if cfg.Retrieval.SimilarityThresholdExpediente <= 0 {
		cfg.Retrieval.SimilarityThresholdExpediente = 0.2
	}
	if cfg.Retrieval.ExpedienteChunkCap == 0 {
		cfg.Retrieval.ExpedienteChunkCap = 1024
	}
	if cfg.Session.ChatHistoryLimit == 0 {
		cfg.Session.ChatHistoryLimit = 20
	}
	if cfg.Session.SessionTTLDays == 0 {
		cfg.Session.SessionTTLDays = 30
	}
	cfg.Session.SessionTTL = time.Duration(cfg.Session.SessionTTLDays) * 24 * time.Hour
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.CommandsTopic == "" {
		cfg.Kafka.CommandsTopic = "expedienterag.ingestion.commands"
	}
	if cfg.Kafka.ResponsesTopic == "" {
		cfg.Kafka.ResponsesTopic = "expedienterag.ingestion.responses"
	}
	if cfg.Ingestion.MaxFileSizeBytes == 0 {
		// Size cap on uploads is 1 GiB.
		cfg.Ingestion.MaxFileSizeBytes = 1 << 30
	}
	if len(cfg.Ingestion.AllowedExtensions) == 0 {
		// Uploads are restricted to this closed extension set.
		cfg.Ingestion.AllowedExtensions = []string{
			".pdf", ".doc", ".docx", ".rtf", ".txt", ".html", ".htm", ".xhtml",
			".mp3", ".wav", ".ogg", ".m4a",
		}
	}
	if cfg.Ingestion.ReingestPolicy == "" {
		cfg.Ingestion.ReingestPolicy = "skip"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "expedienterag"
	}
	if cfg.ClickHouse.EventsTable == "" {
		cfg.ClickHouse.EventsTable = "audit_events"
	}
	if cfg.ClickHouse.TimeoutSeconds == 0 {
		cfg.ClickHouse.TimeoutSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func envStr(key, cur string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return cur
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseFloat(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

func splitNonEmpty(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
