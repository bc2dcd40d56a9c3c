// Package objectstore publishes rendered documents to S3-compatible
// storage and derives their public URLs.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pdfqueue/internal/model"
)

// Store uploads data under key and returns its public URL.
type Store interface {
	Store(ctx context.Context, data []byte, key string) (string, error)
}

// StoreError is returned once every upload attempt has failed.
type StoreError struct {
	Key      string
	Attempts int
	Cause    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("upload of %s failed after %d attempts: %v", e.Key, e.Attempts, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

const DefaultKeyPrefix = "crm-pdf"

// Key derives the object key for a job's document:
// {prefix}/{type}/{ownerId}/{fileName}-{unixNano}.pdf when the payload names
// an owner, {prefix}/{fileName}-{unixNano}.pdf otherwise.
func Key(prefix string, p model.Payload, now time.Time) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	prefix = strings.Trim(prefix, "/")
	name := fmt.Sprintf("%s-%d.pdf", sanitize(p.FileName), now.UnixNano())

	if p.OwnerID == "" {
		return prefix + "/" + name
	}
	docType := p.Type
	if docType == "" {
		docType = "document"
	}
	return strings.Join([]string{prefix, sanitize(docType), sanitize(p.OwnerID), name}, "/")
}

// sanitize keeps a path segment from escaping its directory.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// PublicURL resolves the address clients use to download key. A CDN host
// wins; a custom endpoint is addressed path-style; otherwise the regional
// virtual-hosted AWS URL is used.
func PublicURL(cfg Config, key string) string {
	escaped := escapeKey(key)

	if cfg.CDNHost != "" {
		host := strings.TrimSuffix(cfg.CDNHost, "/")
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "https://" + host
		}
		return host + "/" + escaped
	}

	if cfg.Endpoint != "" {
		return strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/" + escaped
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, region, escaped)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
