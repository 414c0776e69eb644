package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/workspace"
)

// testToken builds an unsigned-but-well-formed JWT carrying claims.
func testToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("signature"))
}

type fakeFetcher struct {
	details *workspace.Details
	err     error
	gotID   string
}

func (f *fakeFetcher) GetDetails(_ context.Context, id string) (*workspace.Details, error) {
	f.gotID = id
	return f.details, f.err
}

func details(c workspace.StorageCredentials) *workspace.Details {
	d := &workspace.Details{}
	d.Storage.Credentials = c
	return d
}

func testServices(t *testing.T) []Service {
	t.Helper()
	services, err := CompileServices([]config.S3Service{
		{Name: "results", URLPattern: `^s3://results/`, ServiceURL: "https://out.example.com", Region: "RegionTwo"},
		{Name: "any", URLPattern: `^s3://`, ServiceURL: "https://in.example.com", Region: "RegionOne"},
		{Name: "shadowed", URLPattern: `^s3://results/sub/`, ServiceURL: "https://never.example.com"},
	})
	if err != nil {
		t.Fatalf("CompileServices: %v", err)
	}
	return services
}

func TestResolveURL_FirstMatchWins(t *testing.T) {
	r := NewResolver(testServices(t), nil)

	tests := []struct {
		url      string
		endpoint string
	}{
		{"s3://results/run-1/catalog.json", "https://out.example.com"},
		{"s3://results/sub/item.json", "https://out.example.com"},
		{"s3://eodata/S2A/scene.tif", "https://in.example.com"},
	}
	for _, tt := range tests {
		got, err := r.ResolveURL(tt.url)
		if err != nil {
			t.Errorf("ResolveURL(%s): %v", tt.url, err)
			continue
		}
		if got.Endpoint != tt.endpoint {
			t.Errorf("ResolveURL(%s) endpoint = %s, want %s", tt.url, got.Endpoint, tt.endpoint)
		}
	}
}

func TestResolveURL_NoMatch(t *testing.T) {
	r := NewResolver(testServices(t), nil)
	_, err := r.ResolveURL("https://example.com/catalog.json")
	if !errors.Is(err, ErrNoMatchingService) {
		t.Errorf("err = %v, want ErrNoMatchingService", err)
	}
}

func TestCompileServices_BadPattern(t *testing.T) {
	_, err := CompileServices([]config.S3Service{{Name: "broken", URLPattern: "(", ServiceURL: "x"}})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("err = %v", err)
	}
}

func TestPublishForURL(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	r := NewResolver(testServices(t), nil)

	if _, err := r.PublishForURL("s3://eodata/x"); err != nil {
		t.Fatalf("PublishForURL: %v", err)
	}
	got, ok := storage.Published.Credentials()
	if !ok || got.Endpoint != "https://in.example.com" {
		t.Errorf("published = %+v, %v", got, ok)
	}

	if _, err := r.PublishForURL("file:///tmp/x"); err == nil {
		t.Error("expected error for unmatched url")
	}
	if got, _ := storage.Published.Credentials(); got.Endpoint != "https://in.example.com" {
		t.Error("failed resolution should not change published credentials")
	}
}

func TestResolveIdentity_StaticDefaults(t *testing.T) {
	out := storage.CredentialSet{Endpoint: "https://out", AccessKey: "a", SecretKey: "s", Region: "r", Bucket: "b"}
	r := NewResolver(nil, nil, WithStageOutDefaults(out))
	if r.WorkspaceEnabled() {
		t.Fatal("workspace mode should be off")
	}
	got, err := r.ResolveIdentity(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if got != out {
		t.Errorf("got %+v", got)
	}

	if _, err := NewResolver(nil, nil).ResolveIdentity(context.Background(), ""); !errors.Is(err, ErrResolution) {
		t.Errorf("err = %v, want ErrResolution without defaults", err)
	}
}

func TestResolveIdentity_Workspace(t *testing.T) {
	f := &fakeFetcher{details: details(workspace.StorageCredentials{
		Endpoint: "https://minio.example.com", Access: "AK", Secret: "SK", Region: "eu-west-2", BucketName: "ws-alice",
	})}
	cfg := workspace.DefaultConfig()
	r := NewResolver(nil, nil, WithWorkspace(f, cfg.WorkspaceID),
		WithStageOutDefaults(storage.CredentialSet{Endpoint: "https://static"}))

	token := testToken(t, map[string]any{"preferred_username": "alice", "sub": "1234"})
	got, err := r.ResolveIdentity(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if f.gotID != "ws-alice" {
		t.Errorf("workspace id = %q", f.gotID)
	}
	want := storage.CredentialSet{Endpoint: "https://minio.example.com", AccessKey: "AK", SecretKey: "SK", Region: "eu-west-2", Bucket: "ws-alice"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestResolveIdentity_WorkspaceFailuresDoNotFallBack(t *testing.T) {
	static := storage.CredentialSet{Endpoint: "https://static", AccessKey: "a", SecretKey: "s"}
	token := testToken(t, map[string]any{"preferred_username": "alice"})

	tests := []struct {
		name    string
		fetcher *fakeFetcher
		token   string
		wantErr error
	}{
		{"api error", &fakeFetcher{err: &workspace.Error{Op: "get", Workspace: "ws-alice", Err: &workspace.HTTPError{StatusCode: 500}}}, token, ErrResolution},
		{"unknown workspace", &fakeFetcher{err: &workspace.Error{Op: "get", Workspace: "ws-alice", Err: &workspace.HTTPError{StatusCode: 404}}}, token, ErrNoWorkspace},
		{"missing bucket", &fakeFetcher{details: details(workspace.StorageCredentials{
			Endpoint: "e", Access: "a", Secret: "s", Region: "r",
		})}, token, workspace.ErrMissingField},
		{"empty credentials", &fakeFetcher{details: details(workspace.StorageCredentials{})}, token, workspace.ErrMissingField},
		{"bad token", &fakeFetcher{}, "not-a-jwt", ErrResolution},
		{"empty token", &fakeFetcher{}, "", ErrResolution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil, nil, WithWorkspace(tt.fetcher, workspace.DefaultConfig().WorkspaceID), WithStageOutDefaults(static))
			got, err := r.ResolveIdentity(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrResolution) {
				t.Errorf("err = %v, want wrapped ErrResolution", err)
			}
			if !got.IsZero() {
				t.Errorf("got %+v, want zero set", got)
			}
		})
	}
}

func TestUsernameFromToken(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		claims  map[string]any
		want    string
		wantErr bool
	}{
		{"preferred username", map[string]any{"preferred_username": "alice", "username": "other"}, "alice", false},
		{"username fallback", map[string]any{"username": "bob"}, "bob", false},
		{"expired token still decodes", map[string]any{"preferred_username": "carol", "exp": 1}, "carol", false},
		{"no username", map[string]any{"sub": "x"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UsernameFromToken(ctx, testToken(t, tt.claims))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
