package storage

import "strings"

// Supported URI schemes for catalog locations.
const (
	SchemeS3    = "s3"
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// ParseURI extracts the scheme from a location URI.
// Returns ("s3", "bucket/key") for "s3://bucket/key".
// Returns ("file", "/tmp/x") for "file:///tmp/x".
// Returns ("", raw) for bare strings with no scheme.
func ParseURI(location string) (scheme, path string) {
	if i := strings.Index(location, "://"); i > 0 {
		scheme = strings.ToLower(location[:i])
		path = location[i+3:]
		if scheme == SchemeFile {
			path = "/" + strings.TrimLeft(path, "/")
		}
		return scheme, path
	}
	return "", location
}

// BuildURI constructs a scheme://path URI.
func BuildURI(scheme, path string) string {
	switch scheme {
	case "":
		return path
	case SchemeFile:
		return "file://" + path
	default:
		return scheme + "://" + path
	}
}

// SplitBucketKey splits "bucket/some/key" into bucket and key.
func SplitBucketKey(path string) (bucket, key string) {
	path = strings.TrimLeft(path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return bucket, key
}

// IsObjectStore reports whether location is addressed to the object store.
func IsObjectStore(location string) bool {
	scheme, _ := ParseURI(location)
	return scheme == SchemeS3
}
