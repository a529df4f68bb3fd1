// Package imagestore persists captured gate images for debugging. Raw JPEG
// bytes are written to a Redis keyspace under the configured bucket prefix;
// reads happen out of band through the constructed public URL.
package imagestore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type ImageStore struct {
	client  *redis.Client
	bucket  string
	baseURL string
	log     zerolog.Logger
}

// NewImageStore wraps a shared Redis client. The client may be nil when the
// connection could not be established at startup; writes then fail and the
// caller degrades.
func NewImageStore(client *redis.Client, bucket, publicBaseURL string, log zerolog.Logger) *ImageStore {
	return &ImageStore{
		client:  client,
		bucket:  bucket,
		baseURL: publicBaseURL,
		log:     log,
	}
}

// Put writes the image bytes under the given key. Write-only: stored images
// are never read back by this service.
func (s *ImageStore) Put(ctx context.Context, key string, data []byte) error {
	if s.client == nil {
		return fmt.Errorf("image store unavailable")
	}
	if err := s.client.Set(ctx, s.bucket+":"+key, data, 0).Err(); err != nil {
		return fmt.Errorf("store image %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("stored gate image")
	return nil
}

// URL returns the public address for a stored key. The address is
// constructed, never verified.
func (s *ImageStore) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, s.bucket, key)
}
