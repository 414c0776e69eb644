package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned when the requested bucket or key does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// ContentTypeGeoJSON is the content type set on every catalog document write.
const ContentTypeGeoJSON = "application/geo+json"

// Object-store driver names accepted by NewClientFactory.
const (
	DriverAWS   = "aws"
	DriverMinIO = "minio"
)

// DefaultRegion is used when a credential set carries no region; SigV4
// signing needs one even for endpoints that ignore it.
const DefaultRegion = "us-east-1"

// ObjectStore is the minimal object API the adapter needs.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// ClientFactory builds an ObjectStore bound to one credential set.
type ClientFactory func(ctx context.Context, creds CredentialSet) (ObjectStore, error)

// NewClientFactory returns the factory for the named driver.
// An empty name selects the AWS SDK driver.
func NewClientFactory(driver string) (ClientFactory, error) {
	switch strings.ToLower(driver) {
	case "", DriverAWS, "s3":
		return func(ctx context.Context, creds CredentialSet) (ObjectStore, error) {
			return NewS3Store(ctx, creds)
		}, nil
	case DriverMinIO:
		return func(_ context.Context, creds CredentialSet) (ObjectStore, error) {
			return NewMinIOStore(creds)
		}, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (want %q or %q)", driver, DriverAWS, DriverMinIO)
	}
}

func notFound(bucket, key string) error {
	return fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
}

// endpointURL makes sure the endpoint carries a scheme.
func endpointURL(endpoint string) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

func regionOrDefault(region string) string {
	if region == "" {
		return DefaultRegion
	}
	return region
}
