// Package minio provides an object-storage cache layer on MinIO and other
// S3-compatible services (Ceph, Garage, SeaweedFS).
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	store := miniotier.NewStore(client, "cache", "memgov/")
package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/memgov/tier"
)

const expiresMetaKey = "Memgov-Expires-At"

// Store is a cache layer backed by a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

var _ tier.Backend = (*Store)(nil)

// NewStore creates a MinIO backend.
// rootPrefix is prepended to all keys.
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: rootPrefix, now: time.Now}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Get reads an object. Expired objects are reported missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, tier.ErrNotFound
		}
		return nil, err
	}
	if exp := info.UserMetadata[expiresMetaKey]; exp != "" {
		if ms, err := strconv.ParseInt(exp, 10, 64); err == nil && s.now().UnixMilli() >= ms {
			return nil, tier.ErrNotFound
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil && isNotFound(err) {
		return nil, tier.ErrNotFound
	}
	return data, err
}

// Put writes an object atomically.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opts := minio.PutObjectOptions{}
	if ttl > 0 {
		opts.UserMetadata = map[string]string{
			expiresMetaKey: strconv.FormatInt(s.now().Add(ttl).UnixMilli(), 10),
		}
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(value), int64(len(value)), opts)
	return err
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// Ping checks that the bucket exists.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchBucket", BucketName: s.bucket, Message: "bucket does not exist"}
	}
	return nil
}
