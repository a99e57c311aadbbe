package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	// Prefix is prepended to every key, allowing several deployments to
	// share one bucket.
	Prefix string `yaml:"prefix"`
}

// Validate checks required fields.
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("filestore: minio endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("filestore: minio bucket is required")
	}
	return nil
}

// MinioStore stores objects in a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore connects to the endpoint in cfg.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: minio client: %w", err)
	}
	return NewMinioStoreWithClient(client, cfg.Bucket, cfg.Prefix)
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client, bucket, prefix string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("filestore: minio client is required")
	}
	return &MinioStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("filestore: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("filestore: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) objectKey(key string) (string, string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	if s.prefix == "" {
		return cleaned, cleaned, nil
	}
	return cleaned, s.prefix + "/" + cleaned, nil
}

// Read implements Store.
func (s *MinioStore) Read(ctx context.Context, key string) ([]byte, error) {
	cleaned, object, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("read", cleaned, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("read", cleaned, err)
	}
	return data, nil
}

// Write implements Store.
func (s *MinioStore) Write(ctx context.Context, key string, data []byte, contentType string) error {
	cleaned, object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return s.wrap("write", cleaned, err)
	}
	return nil
}

// Delete implements Store.
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	cleaned, object, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{}); err != nil {
		return s.wrap("delete", cleaned, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrap("delete", cleaned, err)
	}
	return nil
}

// List implements Store.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	full := prefix
	if s.prefix != "" {
		full = s.prefix + "/" + prefix
	}

	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.wrap("list", prefix, obj.Err)
		}
		key := obj.Key
		if s.prefix != "" {
			key = strings.TrimPrefix(key, s.prefix+"/")
		}
		out = append(out, ObjectInfo{
			Key:          key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified.UTC(),
		})
	}
	return out, nil
}

func (s *MinioStore) wrap(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("filestore: minio %s %s: %w", op, key, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

var _ Store = (*MinioStore)(nil)
