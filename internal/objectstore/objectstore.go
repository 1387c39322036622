// Package objectstore uploads finished archives and issues time-limited download links.
package objectstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// ProviderS3 is the AWS S3 (or S3-compatible) provider name.
const ProviderS3 = "awss3"

// Store is a cloud object store holding backup archives.
type Store interface {
	// Upload stores the local file under <tenantID>/<base name> and returns that key.
	Upload(ctx context.Context, localPath, tenantID string) (string, error)
	// SignedURL returns a URL granting read access to key until expiry elapses.
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
}

// New returns the Store for cfg.Provider.
func New(cfg Config) (Store, error) {
	switch cfg.Provider {
	case ProviderS3, "":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", cfg.Provider)
	}
}

// Key is the object key for a local archive owned by tenantID.
func Key(tenantID, localPath string) string {
	return tenantID + "/" + filepath.Base(localPath)
}
