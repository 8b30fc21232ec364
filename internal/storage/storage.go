// Package storage persists exported transcripts to a durable sink. The S3
// store is used when a bucket is configured; the local store is the
// fallback so an export always has somewhere to land.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Store writes one transcript payload and returns an opaque reference to
// where it was written. Each call produces a new reference: exports are
// independent and idempotent at the storage layer.
type Store interface {
	Save(ctx context.Context, roomID string, payload []byte) (string, error)
}

// LocalStore writes transcripts under Dir as <roomID>-<unix-ms>.json.
type LocalStore struct {
	Dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

func (s *LocalStore) Save(_ context.Context, roomID string, payload []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	file := filepath.Join(s.Dir, fmt.Sprintf("%s-%d.json", roomID, time.Now().UnixMilli()))
	if err := os.WriteFile(file, payload, 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	log.Info().Str("module", "storage").Str("file", file).Msg("transcript saved locally")
	return file, nil
}

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads transcripts to s3://<bucket>/transcripts/.
type S3Store struct {
	client s3Client
	bucket string
}

func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *S3Store) Save(ctx context.Context, roomID string, payload []byte) (string, error) {
	key := fmt.Sprintf("transcripts/%s-%d.json", roomID, time.Now().UnixMilli())
	contentType := "application/json"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(payload),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	log.Info().Str("module", "storage").Str("ref", ref).Msg("transcript uploaded")
	return ref, nil
}
