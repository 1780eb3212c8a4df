package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/jwks"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/token"
	"github.com/tendant/simple-upload/pkg/simpleupload/repo/memory"
	repopg "github.com/tendant/simple-upload/pkg/simpleupload/repo/postgres"
	fsstorage "github.com/tendant/simple-upload/pkg/simpleupload/storage/fs"
	memorystorage "github.com/tendant/simple-upload/pkg/simpleupload/storage/memory"
	s3storage "github.com/tendant/simple-upload/pkg/simpleupload/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:        "8080",
		Environment: "development",
		LogLevel:    "info",
		Auth: AuthConfig{
			Algorithm:    token.DefaultAlgorithm,
			CacheTTL:     jwks.DefaultTTL,
			FetchTimeout: jwks.DefaultFetchTimeout,
		},
		Upload: UploadConfig{
			MaxFileSize: simpleupload.DefaultMaxFileSize,
			MaxFiles:    simpleupload.DefaultMaxFiles,
			FieldName:   simpleupload.DefaultFieldName,
			Dir:         "./uploads",
		},
		DatabaseType:  "memory",
		DBSchema:      "upload",
		EnableMetrics: true,
	}
}

// ServerConfig represents server configuration for the simple-upload service.
// Field tags are read by cleanenv for both environment variables and YAML files.
type ServerConfig struct {
	Port        string `yaml:"port" env:"PORT" env-default:"8080" env-description:"HTTP listen port"`
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"development" env-description:"development, production or testing"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`

	Auth   AuthConfig   `yaml:"auth"`
	Upload UploadConfig `yaml:"upload"`

	// Storage configuration, e.g. file:///srv/uploads, s3://bucket?region=eu-west-1, memory://
	StorageURL string        `yaml:"storage_url" env:"STORAGE_URL" env-description:"Blob storage location (defaults to file://UPLOAD_DIR)"`
	Storage    StorageConfig `yaml:"-"`

	// Database configuration
	DatabaseURL  string `yaml:"database_url" env:"DATABASE_URL" env-description:"memory or postgres:// connection string"`
	DatabaseType string `yaml:"-"` // "memory", "postgres"
	DBSchema     string `yaml:"db_schema" env:"DB_SCHEMA" env-default:"upload" env-description:"Postgres schema for the submission ledger"`

	EnableMetrics bool `yaml:"enable_metrics" env:"ENABLE_METRICS" env-default:"true" env-description:"Expose /metrics"`
}

// AuthConfig holds the token validation settings
type AuthConfig struct {
	TenantID     string        `yaml:"tenant_id" env:"AZURE_TENANT_ID" env-description:"Azure AD tenant used to derive issuer and JWKS URI"`
	ClientID     string        `yaml:"client_id" env:"AZURE_CLIENT_ID" env-description:"Expected token audience"`
	Issuer       string        `yaml:"issuer" env:"AUTH_ISSUER" env-description:"Expected token issuer (overrides the tenant-derived one)"`
	JWKSURI      string        `yaml:"jwks_uri" env:"AUTH_JWKS_URI" env-description:"Key set location (overrides the tenant-derived one)"`
	Algorithm    string        `yaml:"algorithm" env:"AUTH_ALGORITHM" env-default:"RS256" env-description:"Only accepted signing algorithm"`
	Leeway       time.Duration `yaml:"leeway" env:"AUTH_LEEWAY" env-default:"0s" env-description:"Clock skew tolerance for exp and nbf"`
	CacheTTL     time.Duration `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" env-default:"10m" env-description:"How long a signing key is cached"`
	FetchTimeout time.Duration `yaml:"jwks_fetch_timeout" env:"JWKS_FETCH_TIMEOUT" env-default:"10s" env-description:"Timeout of one key set request"`
}

// UploadConfig holds the upload limits and destination
type UploadConfig struct {
	MaxFileSize   int64  `yaml:"max_file_size" env:"UPLOAD_MAX_FILE_SIZE" env-default:"10485760" env-description:"Per-file size limit in bytes"`
	MaxFiles      int    `yaml:"max_files" env:"UPLOAD_MAX_FILES" env-default:"10" env-description:"Files per request"`
	FieldName     string `yaml:"field_name" env:"UPLOAD_FIELD_NAME" env-default:"photos" env-description:"Multipart field carrying files"`
	Dir           string `yaml:"dir" env:"UPLOAD_DIR" env-default:"./uploads" env-description:"Destination directory for the filesystem backend"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" env-description:"Prefix for file URLs in responses"`
}

// StorageConfig is the blob store selected by StorageURL
type StorageConfig struct {
	Type string // "fs", "s3", "memory"
	FS   fsstorage.Config
	S3   s3storage.Config
}

// Audience is the expected token audience
func (c *ServerConfig) Audience() string {
	return c.Auth.ClientID
}

// Issuer is the expected token issuer
func (c *ServerConfig) Issuer() string {
	if c.Auth.Issuer != "" {
		return c.Auth.Issuer
	}
	if c.Auth.TenantID != "" {
		return jwks.AzureIssuer(c.Auth.TenantID)
	}
	return ""
}

// JWKSURI is the location of the signing key set
func (c *ServerConfig) JWKSURI() string {
	if c.Auth.JWKSURI != "" {
		return c.Auth.JWKSURI
	}
	if c.Auth.TenantID != "" {
		return jwks.AzureJWKSURI(c.Auth.TenantID)
	}
	return ""
}

// resolve derives the storage and database settings from their URLs
func (c *ServerConfig) resolve() error {
	if err := c.resolveDatabase(); err != nil {
		return err
	}
	return c.resolveStorage()
}

func (c *ServerConfig) resolveDatabase() error {
	switch {
	case c.DatabaseURL == "" || c.DatabaseURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(c.DatabaseURL, "postgresql://"), strings.HasPrefix(c.DatabaseURL, "postgres://"):
		c.DatabaseType = "postgres"
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", c.DatabaseURL)
	}
	return nil
}

func (c *ServerConfig) resolveStorage() error {
	storageURL := c.StorageURL
	if storageURL == "" {
		storageURL = "file://" + c.Upload.Dir
	}

	switch {
	case storageURL == "memory" || strings.HasPrefix(storageURL, "memory://"):
		c.Storage = StorageConfig{Type: "memory"}
		return nil
	case strings.HasPrefix(storageURL, "file://"):
		path := strings.TrimPrefix(storageURL, "file://")
		if path == "" {
			return errors.New("filesystem path cannot be empty in STORAGE_URL")
		}
		c.Storage = StorageConfig{Type: "fs", FS: fsstorage.Config{BaseDir: path}}
		return nil
	case strings.HasPrefix(storageURL, "s3://"):
		s3Config, err := parseS3URL(storageURL)
		if err != nil {
			return err
		}
		c.Storage = StorageConfig{Type: "s3", S3: s3Config}
		return nil
	}

	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", storageURL)
}

// parseS3URL reads s3://bucket/prefix?region=..&endpoint=..&path_style=true&sse=AES256
func parseS3URL(raw string) (s3storage.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return s3storage.Config{}, fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	if u.Host == "" {
		return s3storage.Config{}, errors.New("S3 bucket name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	cfg := s3storage.Config{
		Bucket:                 u.Host,
		Prefix:                 strings.TrimPrefix(u.Path, "/"),
		Region:                 firstNonEmpty(q.Get("region"), lookup("AWS_REGION"), "us-east-1"),
		Endpoint:               firstNonEmpty(q.Get("endpoint"), lookup("AWS_ENDPOINT_URL_S3")),
		UsePathStyle:           q.Get("path_style") == "true",
		AccessKeyID:            lookup("AWS_ACCESS_KEY_ID"),
		SecretAccessKey:        lookup("AWS_SECRET_ACCESS_KEY"),
		CreateBucketIfNotExist: q.Get("create_bucket") == "true",
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if sse := q.Get("sse"); sse != "" {
		cfg.EnableSSE = true
		cfg.SSEAlgorithm = sse
		cfg.SSEKMSKeyID = q.Get("kms_key_id")
	}
	return cfg, nil
}

// maxTotalUploadBytes bounds MaxFiles*MaxFileSize
const maxTotalUploadBytes = 1 << 40

var supportedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.Audience() == "" {
		return errors.New("AZURE_CLIENT_ID (token audience) is required")
	}
	if c.Issuer() == "" {
		return errors.New("AZURE_TENANT_ID or AUTH_ISSUER is required")
	}
	if c.JWKSURI() == "" {
		return errors.New("AZURE_TENANT_ID or AUTH_JWKS_URI is required")
	}
	if !supportedAlgorithms[c.Auth.Algorithm] {
		return fmt.Errorf("unsupported AUTH_ALGORITHM %q", c.Auth.Algorithm)
	}
	if c.Auth.Leeway < 0 {
		return errors.New("AUTH_LEEWAY cannot be negative")
	}

	if c.Upload.MaxFileSize <= 0 {
		return errors.New("UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxFiles <= 0 {
		return errors.New("UPLOAD_MAX_FILES must be positive")
	}
	if c.Upload.MaxFileSize > maxTotalUploadBytes/int64(c.Upload.MaxFiles) {
		return fmt.Errorf("UPLOAD_MAX_FILES * UPLOAD_MAX_FILE_SIZE cannot exceed %d bytes", int64(maxTotalUploadBytes))
	}
	if c.Upload.FieldName == "" {
		return errors.New("UPLOAD_FIELD_NAME cannot be empty")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	switch c.Storage.Type {
	case "memory", "fs", "s3":
	default:
		return fmt.Errorf("unsupported storage backend type: %q", c.Storage.Type)
	}

	return nil
}

// Policy returns the upload limits
func (c *ServerConfig) Policy() simpleupload.Policy {
	policy := simpleupload.DefaultPolicy()
	policy.MaxFileSize = c.Upload.MaxFileSize
	policy.MaxFiles = c.Upload.MaxFiles
	return policy
}

// BuildBlobStore creates the configured storage backend
func (c *ServerConfig) BuildBlobStore() (simpleupload.BlobStore, error) {
	switch c.Storage.Type {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(c.Storage.FS)
	case "s3":
		return s3storage.New(c.Storage.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}

// BuildRepository creates the submission ledger. The returned func releases
// its resources.
func (c *ServerConfig) BuildRepository(ctx context.Context) (simpleupload.Repository, func(), error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		pool, err := newPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		if c.DBSchema != "" {
			if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{c.DBSchema}.Sanitize()); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to create schema %s: %w", c.DBSchema, err)
			}
		}
		repo := repopg.NewWithPool(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// BuildService creates a Service instance over the given ledger and store
func (c *ServerConfig) BuildService(repo simpleupload.Repository, store simpleupload.BlobStore, logger *slog.Logger) (simpleupload.Service, error) {
	return simpleupload.New(
		simpleupload.WithRepository(repo),
		simpleupload.WithBlobStore(store),
		simpleupload.WithPolicy(c.Policy()),
		simpleupload.WithFieldName(c.Upload.FieldName),
		simpleupload.WithPublicBaseURL(c.Upload.PublicBaseURL),
		simpleupload.WithLogger(logger),
	)
}

// BuildKeyCache creates the signing key cache. observer may be nil.
func (c *ServerConfig) BuildKeyCache(logger *slog.Logger, observer func(kid string, err error)) (*jwks.Cache, error) {
	opts := []jwks.Option{
		jwks.WithTTL(c.Auth.CacheTTL),
		jwks.WithFetchTimeout(c.Auth.FetchTimeout),
		jwks.WithLogger(logger),
	}
	if observer != nil {
		opts = append(opts, jwks.WithFetchObserver(observer))
	}
	return jwks.New(c.JWKSURI(), opts...)
}

// BuildValidator creates the token validator over keys
func (c *ServerConfig) BuildValidator(keys token.KeyResolver) *token.Validator {
	return token.NewValidator(keys,
		token.WithAlgorithm(c.Auth.Algorithm),
		token.WithLeeway(c.Auth.Leeway),
	)
}

// PingPostgres verifies connectivity to Postgres and optionally sets search_path for the session.
func PingPostgres(ctx context.Context, databaseURL, schema string) error {
	pool, err := newPool(ctx, databaseURL, schema)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func newPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		searchPath := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
