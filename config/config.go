package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every configuration parameter, loaded from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	PubMedBaseURL    string `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey     string `envconfig:"PUBMED_API_KEY"`
	PubMedEmail      string `envconfig:"PUBMED_EMAIL"`
	PubMedTool       string `envconfig:"PUBMED_TOOL" default:"scholargraph-fetcher"`
	PubMedMaxPages   int    `envconfig:"PUBMED_MAX_PAGES" default:"5"`
	SearchMaxResults int    `envconfig:"SEARCH_MAX_RESULTS" default:"100"`

	OpenAIAPIKey       string  `envconfig:"OPENAI_API_KEY"`
	OpenAIModel        string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIRateLimitRPS float64 `envconfig:"OPENAI_RATE_LIMIT_RPS" default:"2"`

	// Vocabulary normalization (MeSH-style lookup service)
	VocabBaseURL  string        `envconfig:"VOCAB_BASE_URL" default:"https://id.nlm.nih.gov/mesh"`
	VocabCacheTTL time.Duration `envconfig:"VOCAB_CACHE_TTL" default:"24h"`

	// Pipeline tuning
	ExtractionWorkers     int           `envconfig:"EXTRACTION_WORKERS" default:"4"`
	RelationMinConfidence float64       `envconfig:"RELATION_MIN_CONFIDENCE" default:"0"`
	StaleJobMaxAge        time.Duration `envconfig:"STALE_JOB_MAX_AGE" default:"6h"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 * * * *"`

	// Unpaywall fallback for open-access full texts
	UnpaywallBaseURL string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail   string `envconfig:"UNPAYWALL_EMAIL"`

	PDFArchiveEnabled bool   `envconfig:"PDF_ARCHIVE_ENABLED" default:"false"`
	S3Key             string `envconfig:"S3_KEY"`
	S3Secret          string `envconfig:"S3_SECRET"`
	S3URL             string `envconfig:"S3_URL"`
	S3Region          string `envconfig:"S3_REGION"`
	S3Bucket          string `envconfig:"S3_BUCKET"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
