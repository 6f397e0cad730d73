package storage

import (
	"context"
	"time"
)

// ProgressFunc receives the number of bytes transferred since the last call
type ProgressFunc func(n int64)

// Client defines the object storage operations the engine needs
type Client interface {
	// BucketExists is the pre-transfer connectivity probe
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// Upload streams a local file to bucket/key in a single upload,
	// reporting byte progress through fn
	Upload(ctx context.Context, bucket, key, localPath, contentType string, fn ProgressFunc) error

	// HeadObject reports whether an object exists and its metadata
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, bool, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
