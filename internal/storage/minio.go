package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore talks to an S3-compatible endpoint through minio-go.
type MinIOStore struct {
	client *minio.Client
}

// NewMinIOStore builds a path-style minio client for the given credential set.
func NewMinIOStore(creds CredentialSet) (*MinIOStore, error) {
	if creds.Endpoint == "" {
		return nil, fmt.Errorf("minio: endpoint is required")
	}
	u, err := url.Parse(endpointURL(creds.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("minio: parse endpoint %q: %w", creds.Endpoint, err)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       regionOrDefault(creds.Region),
		BucketLookup: minio.BucketLookupPath,
		Transport:    newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio: new client: %w", err)
	}
	return &MinIOStore{client: client}, nil
}

// GetObject reads the whole object body.
func (s *MinIOStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError("get", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, minioError("read", bucket, key, err)
	}
	return data, nil
}

// PutObject uploads data with the given content type.
func (s *MinIOStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return minioError("put", bucket, key, err)
	}
	return nil
}

func minioError(op, bucket, key string, err error) error {
	if isMinIONotFound(err) {
		return notFound(bucket, key)
	}
	return fmt.Errorf("minio: %s s3://%s/%s: %w", op, bucket, key, err)
}

func isMinIONotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
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
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
