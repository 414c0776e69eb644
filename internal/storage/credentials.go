package storage

import (
	"errors"
	"sync"
)

// ErrNoCredentials is returned when an object-store operation runs before any
// credential set has been made available to the adapter.
var ErrNoCredentials = errors.New("storage: no credentials available")

// CredentialSet is the access key, secret, region, and endpoint used for one
// object-storage context (stage-in or stage-out). It is a value type: a new
// set replaces the previous one wholesale.
type CredentialSet struct {
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	AccessKey  string `json:"access_key" yaml:"access_key"`
	SecretKey  string `json:"secret_key" yaml:"secret_key"`
	Region     string `json:"region" yaml:"region"`
	Bucket     string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	URLPattern string `json:"url_pattern,omitempty" yaml:"url_pattern,omitempty"`
}

// IsZero reports whether no endpoint and no keys are set.
func (c CredentialSet) IsZero() bool {
	return c.Endpoint == "" && c.AccessKey == "" && c.SecretKey == ""
}

// Equal reports whether two sets would produce the same client.
func (c CredentialSet) Equal(o CredentialSet) bool {
	return c == o
}

// Redacted returns a copy safe for logging.
func (c CredentialSet) Redacted() CredentialSet {
	if c.SecretKey != "" {
		c.SecretKey = "***"
	}
	return c
}

// CredentialSource supplies the credential set an Adapter call should use.
type CredentialSource interface {
	// Credentials returns the active set, or false when none is available.
	Credentials() (CredentialSet, bool)
}

// StaticCredentials is a CredentialSource bound to one fixed set. Use it
// wherever the caller controls adapter construction.
type StaticCredentials CredentialSet

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials() (CredentialSet, bool) {
	c := CredentialSet(s)
	return c, !c.IsZero()
}

// PublishedCredentials is process-wide credential state.
//
// The catalog reader is constructed without arguments by code that does not
// know which job phase is active, so the handler publishes the stage-in or
// stage-out set here before handing control to it. This is the only
// process-wide credential state in the module; everything else takes a
// CredentialSource explicitly. Publish replaces the whole set under a lock
// and Snapshot returns a consistent copy, so an adapter call never sees a
// half-applied swap.
type PublishedCredentials struct {
	mu         sync.RWMutex
	set        CredentialSet
	generation uint64
}

// Published is the single process-wide PublishedCredentials instance.
var Published = &PublishedCredentials{}

// Publish replaces the current credential set.
func (p *PublishedCredentials) Publish(c CredentialSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set = c
	p.generation++
}

// Reset clears the published set.
func (p *PublishedCredentials) Reset() {
	p.Publish(CredentialSet{})
}

// Snapshot returns the current set and the number of publishes so far.
func (p *PublishedCredentials) Snapshot() (CredentialSet, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set, p.generation
}

// Credentials implements CredentialSource.
func (p *PublishedCredentials) Credentials() (CredentialSet, bool) {
	c, _ := p.Snapshot()
	return c, !c.IsZero()
}
