package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/storage/storagetest"
)

var stageOut = storage.CredentialSet{
	Endpoint:  "http://minio.local:9000",
	AccessKey: "minio-admin",
	SecretKey: "minio-secret-password",
	Region:    "RegionOne",
	Bucket:    "processingresults",
}

var stageIn = storage.CredentialSet{
	Endpoint:  "https://s3.eu-central-1.amazonaws.com",
	AccessKey: "AKIA",
	SecretKey: "secret",
	Region:    "eu-central-1",
}

func TestAdapter_RoundTripObjectStore(t *testing.T) {
	mem := storagetest.NewMemStore()
	a := storage.NewAdapter(storage.StaticCredentials(stageOut), mem.Factory(), nil)
	ctx := context.Background()

	content := `{"type":"Catalog","id":"catalog","stac_version":"1.0.0","description":"ü"}` + "\n"
	uri := "s3://processingresults/run-1/catalog.json"

	if err := a.WriteText(ctx, uri, content, ""); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got, err := a.ReadText(ctx, uri)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if got != content {
		t.Errorf("round trip mismatch:\n got %q\nwant %q", got, content)
	}

	obj, ok := mem.Get("processingresults", "run-1/catalog.json")
	if !ok {
		t.Fatal("object not stored under bucket/key")
	}
	if obj.ContentType != storage.ContentTypeGeoJSON {
		t.Errorf("content type = %q, want %q", obj.ContentType, storage.ContentTypeGeoJSON)
	}
	if n := a.ClientBuilds(); n != 1 {
		t.Errorf("client builds = %d, want 1 (client reused within a phase)", n)
	}
}

func TestAdapter_ExplicitContentType(t *testing.T) {
	mem := storagetest.NewMemStore()
	a := storage.NewAdapter(storage.StaticCredentials(stageOut), mem.Factory(), nil)

	if err := a.WriteText(context.Background(), "s3://b/k.txt", "x", "text/plain"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	obj, _ := mem.Get("b", "k.txt")
	if obj.ContentType != "text/plain" {
		t.Errorf("content type = %q, want text/plain", obj.ContentType)
	}
}

func TestAdapter_RebuildsClientOnCredentialChange(t *testing.T) {
	mem := storagetest.NewMemStore()
	mem.Put("bucket", "a.json", "{}", "")
	published := &storage.PublishedCredentials{}
	a := storage.NewAdapter(published, mem.Factory(), nil)
	ctx := context.Background()

	published.Publish(stageIn)
	for i := 0; i < 3; i++ {
		if _, err := a.ReadText(ctx, "s3://bucket/a.json"); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if n := a.ClientBuilds(); n != 1 {
		t.Fatalf("builds after stage-in reads = %d, want 1", n)
	}

	published.Publish(stageOut)
	if _, err := a.ReadText(ctx, "s3://bucket/a.json"); err != nil {
		t.Fatalf("read after swap: %v", err)
	}
	if n := a.ClientBuilds(); n != 2 {
		t.Fatalf("builds after swap = %d, want 2", n)
	}

	builds := mem.Builds()
	if !builds[0].Equal(stageIn) || !builds[1].Equal(stageOut) {
		t.Errorf("clients built with wrong credentials: %+v", builds)
	}

	// Re-publishing an identical set does not rebuild.
	published.Publish(stageOut)
	if _, err := a.ReadText(ctx, "s3://bucket/a.json"); err != nil {
		t.Fatalf("read after identical publish: %v", err)
	}
	if n := a.ClientBuilds(); n != 2 {
		t.Errorf("builds after identical publish = %d, want 2", n)
	}
}

func TestAdapter_NotFound(t *testing.T) {
	mem := storagetest.NewMemStore()
	a := storage.NewAdapter(storage.StaticCredentials(stageOut), mem.Factory(), nil)

	_, err := a.ReadText(context.Background(), "s3://processingresults/missing/catalog.json")
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestAdapter_NoCredentials(t *testing.T) {
	mem := storagetest.NewMemStore()
	a := storage.NewAdapter(&storage.PublishedCredentials{}, mem.Factory(), nil)

	_, err := a.ReadText(context.Background(), "s3://b/k")
	if !errors.Is(err, storage.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if len(mem.Builds()) != 0 {
		t.Error("no client should be built without credentials")
	}
}

func TestAdapter_LocalFiles(t *testing.T) {
	a := storage.NewAdapter(storage.StaticCredentials{}, nil, nil)
	ctx := context.Background()
	dir := t.TempDir()

	bare := filepath.Join(dir, "nested", "catalog.json")
	if err := a.WriteText(ctx, bare, "bare", ""); err != nil {
		t.Fatalf("write bare path: %v", err)
	}
	got, err := a.ReadText(ctx, bare)
	if err != nil || got != "bare" {
		t.Fatalf("read bare path = %q, %v", got, err)
	}

	fileURI := "file://" + filepath.Join(dir, "other.json")
	if err := a.WriteText(ctx, fileURI, "file-scheme", ""); err != nil {
		t.Fatalf("write file uri: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "other.json"))
	if err != nil || string(data) != "file-scheme" {
		t.Fatalf("file on disk = %q, %v", data, err)
	}

	if _, err := a.ReadText(ctx, filepath.Join(dir, "absent.json")); err == nil {
		t.Error("expected error reading absent local file")
	}
}

func TestAdapter_UnsupportedWriteScheme(t *testing.T) {
	a := storage.NewAdapter(storage.StaticCredentials{}, nil, nil)
	if err := a.WriteText(context.Background(), "https://example.com/x.json", "{}", ""); err == nil {
		t.Error("expected error writing to https")
	}
}
