// Package artifact keeps job input manifests and result bundles in
// S3-compatible object storage, keyed by job id.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewStore(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func manifestKey(jobID string) string { return "jobs/" + jobID + "/manifest.json" }
func resultKey(jobID string) string   { return "jobs/" + jobID + "/result.json" }

func (s *Store) PutManifest(ctx context.Context, jobID string, data []byte) error {
	return s.put(ctx, manifestKey(jobID), data)
}

func (s *Store) PutResult(ctx context.Context, jobID string, data []byte) error {
	return s.put(ctx, resultKey(jobID), data)
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// ResultURL presigns a download link for the job's result bundle.
func (s *Store) ResultURL(ctx context.Context, jobID string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, resultKey(jobID), expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Reset removes any previously-uploaded state for the job; restart uses it
// so a re-run starts clean. Satisfies job.FileResetter.
func (s *Store) Reset(ctx context.Context, jobID string) error {
	prefix := "jobs/" + jobID + "/"
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
