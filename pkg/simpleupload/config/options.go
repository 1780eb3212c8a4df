package config

import (
	"fmt"
	"time"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithAzureTenant derives issuer and key set from an Azure AD tenant and
// expects clientID as audience
func WithAzureTenant(tenantID, clientID string) Option {
	return func(c *ServerConfig) error {
		if tenantID == "" || clientID == "" {
			return fmt.Errorf("tenant ID and client ID are required")
		}
		c.Auth.TenantID = tenantID
		c.Auth.ClientID = clientID
		return nil
	}
}

// WithTokenIssuer configures a non-Azure identity provider
func WithTokenIssuer(issuer, jwksURI, audience string) Option {
	return func(c *ServerConfig) error {
		if issuer == "" || jwksURI == "" || audience == "" {
			return fmt.Errorf("issuer, JWKS URI and audience are required")
		}
		c.Auth.Issuer = issuer
		c.Auth.JWKSURI = jwksURI
		c.Auth.ClientID = audience
		return nil
	}
}

// WithKeyCache sets the signing key TTL and fetch timeout
func WithKeyCache(ttl, fetchTimeout time.Duration) Option {
	return func(c *ServerConfig) error {
		if ttl <= 0 || fetchTimeout <= 0 {
			return fmt.Errorf("key cache TTL and fetch timeout must be positive")
		}
		c.Auth.CacheTTL = ttl
		c.Auth.FetchTimeout = fetchTimeout
		return nil
	}
}

// WithUploadLimits sets the per-file size and per-request file count limits
func WithUploadLimits(maxFileSize int64, maxFiles int) Option {
	return func(c *ServerConfig) error {
		if maxFileSize <= 0 || maxFiles <= 0 {
			return fmt.Errorf("upload limits must be positive")
		}
		c.Upload.MaxFileSize = maxFileSize
		c.Upload.MaxFiles = maxFiles
		return nil
	}
}

// WithStorageURL selects the blob store, see WithEnv for the formats
func WithStorageURL(storageURL string) Option {
	return func(c *ServerConfig) error {
		c.StorageURL = storageURL
		return nil
	}
}

// WithDatabase configures the submission ledger ("memory" or a postgres URL)
func WithDatabase(url string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithMetrics toggles the /metrics endpoint
func WithMetrics(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableMetrics = enabled
		return nil
	}
}
