package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/credentials"
	"github.com/me/zoocwl/internal/stac"
	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/storage/storagetest"
	"github.com/me/zoocwl/internal/workspace"
	"github.com/me/zoocwl/pkg/job"
)

func testToken(t *testing.T, username string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	payload, _ := json.Marshal(map[string]any{"preferred_username": username})
	return enc.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.StageIn = config.StorageDefaults{Endpoint: "https://in.example.com", AccessKey: "in-ak", SecretKey: "in-sk", Region: "RegionOne"}
	cfg.StageOut = config.StorageDefaults{Endpoint: "https://out.example.com", AccessKey: "out-ak", SecretKey: "out-sk", Region: "RegionTwo", Bucket: "processingresults"}
	cfg.SecretsFile = filepath.Join(os.TempDir(), "zoocwl-no-such-secrets.yaml")
	return cfg
}

func testJob() *job.ExecutionConfig {
	return &job.ExecutionConfig{
		Identity: job.Identity{Identifier: "water-bodies", USID: "water-bodies-run-1"},
		Paths:    job.Paths{TmpPath: "/tmp/zoo", TmpURL: "https://zoo.example.com/temp/"},
	}
}

func staticResolver(t *testing.T, cfg config.Config) *credentials.Resolver {
	t.Helper()
	services, err := credentials.CompileServices(cfg.DefaultServices())
	if err != nil {
		t.Fatal(err)
	}
	return credentials.NewResolver(services, nil, credentials.WithStageOutDefaults(cfg.StageOut.Credentials()))
}

func seedCatalog(mem *storagetest.MemStore) {
	put := func(key, doc string) { mem.Put("processingresults", key, doc, storage.ContentTypeGeoJSON) }
	put("water-bodies-run-1/catalog.json", `{"type":"Catalog","stac_version":"1.0.0","id":"catalog","description":"c","links":[
		{"rel":"item","href":"./a/a.json"},{"rel":"item","href":"./b/b.json"}]}`)
	for _, id := range []string{"a", "b"} {
		put("water-bodies-run-1/"+id+"/"+id+".json", `{"type":"Feature","stac_version":"1.0.0","id":"`+id+`","geometry":null,
			"properties":{"datetime":"2021-01-01T00:00:00Z"},"links":[],
			"assets":{"water-bodies":{"href":"./`+id+`.tif","type":"image/tiff"}}}`)
	}
}

func TestPreHook_StaticDefaults(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	cfg := testConfig()
	conf := testJob()
	conf.AdditionalParameters = map[string]string{"sub_path": "results", "process": "overridden"}

	h := New(conf, cfg, staticResolver(t, cfg), nil, nil)
	if err := h.PreHook(context.Background()); err != nil {
		t.Fatalf("PreHook: %v", err)
	}

	if conf.Staging.CollectionID != "water-bodies-run-1" {
		t.Errorf("collection id = %q", conf.Staging.CollectionID)
	}
	if conf.Staging.Process != "water-bodies-water-bodies-run-1" {
		t.Errorf("process = %q", conf.Staging.Process)
	}
	if conf.Staging.StageIn.ServiceURL != "https://in.example.com" {
		t.Errorf("stage-in = %+v", conf.Staging.StageIn)
	}
	if conf.Staging.StageOut.Bucket != "processingresults" || conf.Staging.StageOut.Region != "RegionTwo" {
		t.Errorf("stage-out = %+v", conf.Staging.StageOut)
	}

	published, ok := storage.Published.Credentials()
	if !ok || published != cfg.StageOut.Credentials() {
		t.Errorf("published = %+v", published)
	}

	params := h.AdditionalParameters()
	if params["sub_path"] != "results" {
		t.Errorf("user parameter lost: %v", params)
	}
	if params[job.KeyProcess] != "water-bodies-water-bodies-run-1" {
		t.Errorf("staging should win over user parameters, process = %q", params[job.KeyProcess])
	}
	if params[job.KeyStageOutOutput] != "s3://processingresults" {
		t.Errorf("STAGEOUT_OUTPUT = %q", params[job.KeyStageOutOutput])
	}
}

func TestPreHook_StageInFromInputs(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	cfg := testConfig()
	services, err := credentials.CompileServices([]config.S3Service{
		{Name: "eodata", URLPattern: `^s3://eodata/`, ServiceURL: "https://eodata.example.com", Region: "eu-central-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	resolver := credentials.NewResolver(services, nil, credentials.WithStageOutDefaults(cfg.StageOut.Credentials()))
	conf := testJob()

	inputs := map[string]any{
		"aoi":        "-121.39,38.45,-120.95,38.74",
		"stac_items": []any{"https://example.com/item.json", "s3://eodata/S2B/item.json"},
	}
	h := New(conf, cfg, resolver, nil, nil, WithInputs(inputs))
	if err := h.PreHook(context.Background()); err != nil {
		t.Fatalf("PreHook: %v", err)
	}
	if conf.Staging.StageIn.ServiceURL != "https://eodata.example.com" || conf.Staging.StageIn.Region != "eu-central-1" {
		t.Errorf("stage-in = %+v", conf.Staging.StageIn)
	}

	inputs["stac_items"] = []any{"s3://unknown/item.json"}
	conf = testJob()
	err = New(conf, cfg, resolver, nil, nil, WithInputs(inputs)).PreHook(context.Background())
	if !errors.Is(err, credentials.ErrNoMatchingService) {
		t.Errorf("err = %v, want ErrNoMatchingService", err)
	}
}

func TestPreHook_CollectionIDConflict(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	cfg := testConfig()
	conf := testJob()
	conf.Staging.CollectionID = "something-else"

	err := New(conf, cfg, staticResolver(t, cfg), nil, nil).PreHook(context.Background())
	if !errors.Is(err, job.ErrCollectionIDSet) {
		t.Errorf("err = %v, want ErrCollectionIDSet", err)
	}
	if _, ok := storage.Published.Credentials(); ok {
		t.Error("no credentials should be published when the collection id is rejected")
	}
}

// fakeWorkspace serves the workspace API for user alice.
type fakeWorkspace struct {
	mu          sync.Mutex
	detailsCode int
	jsonDocs    [][]byte
	registered  []workspace.RegisterRequest
}

func (f *fakeWorkspace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/workspaces/ws-alice":
		if f.detailsCode != 0 {
			w.WriteHeader(f.detailsCode)
			return
		}
		io.WriteString(w, `{"storage":{"credentials":{"endpoint":"https://ws.example.com","access":"ws-ak",
			"secret":"ws-sk","region":"RegionTwo","bucketname":"processingresults"}}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/workspaces/ws-alice/register-json":
		body, _ := io.ReadAll(r.Body)
		f.jsonDocs = append(f.jsonDocs, body)
	case r.Method == http.MethodPost && r.URL.Path == "/workspaces/ws-alice/register":
		var req workspace.RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.registered = append(f.registered, req)
	default:
		http.NotFound(w, r)
	}
}

func workspaceHandler(t *testing.T, fake *fakeWorkspace, mem *storagetest.MemStore) (*Handler, *job.ExecutionConfig) {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := testConfig()
	cfg.Workspace.Enabled = true
	cfg.Workspace.APIURL = server.URL

	conf := testJob()
	conf.Auth = "Bearer " + testToken(t, "alice")

	wsCfg := workspace.DefaultConfig().WithRetries(0, time.Millisecond)
	wsCfg.APIURL = server.URL
	client := workspace.NewClient(wsCfg, testToken(t, "alice"), nil)

	resolver := credentials.NewResolver(nil, nil,
		credentials.WithWorkspace(client, wsCfg.WorkspaceID),
		credentials.WithStageOutDefaults(cfg.StageOut.Credentials()))
	adapter := storage.NewAdapter(nil, mem.Factory(), nil)

	return New(conf, cfg, resolver, adapter, nil, WithWorkspace(client)), conf
}

func TestHooks_WaterBodiesEndToEnd(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	mem := storagetest.NewMemStore()
	seedCatalog(mem)
	fake := &fakeWorkspace{}
	h, conf := workspaceHandler(t, fake, mem)
	ctx := context.Background()

	if err := h.PreHook(ctx); err != nil {
		t.Fatalf("PreHook: %v", err)
	}
	if conf.Staging.StageOut.ServiceURL != "https://ws.example.com" {
		t.Errorf("stage-out should come from the workspace, got %+v", conf.Staging.StageOut)
	}

	// The workflow's stage-in step published other credentials meanwhile.
	storage.Published.Publish(storage.CredentialSet{Endpoint: "https://in.example.com", AccessKey: "x"})

	run := RunResult{Output: map[string]any{
		"stac": map[string]any{OutputCatalogKey: "s3://processingresults/water-bodies-run-1/catalog.json"},
	}}
	if err := h.PostHook(ctx, run); err != nil {
		t.Fatalf("PostHook: %v", err)
	}

	builds := mem.Builds()
	if len(builds) == 0 || builds[len(builds)-1].Endpoint != "https://ws.example.com" {
		t.Errorf("catalog should be read with stage-out credentials, builds = %v", builds)
	}

	res := h.Result()
	if res == nil || res.Collection.ID != "water-bodies-run-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(res.Items))
	}
	for _, it := range res.Items {
		if region := it.Assets["water-bodies"].Extra["storage:region"]; region != "RegionTwo" {
			t.Errorf("item %s storage:region = %v", it.ID, region)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.jsonDocs) != 1 {
		t.Fatalf("register-json calls = %d", len(fake.jsonDocs))
	}
	var registered stac.Collection
	if err := json.Unmarshal(fake.jsonDocs[0], &registered); err != nil {
		t.Fatal(err)
	}
	if registered.ID != "water-bodies-run-1" {
		t.Errorf("registered id = %q", registered.ID)
	}
	want := workspace.RegisterRequest{
		Type: "stac-collection",
		URL:  "s3://processingresults/water-bodies-run-1/water-bodies-run-1/collection.json",
	}
	if len(fake.registered) != 1 || fake.registered[0] != want {
		t.Errorf("register calls = %+v", fake.registered)
	}
}

func TestPreHook_WorkspaceFailureDoesNotFallBack(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	fake := &fakeWorkspace{detailsCode: http.StatusInternalServerError}
	h, conf := workspaceHandler(t, fake, storagetest.NewMemStore())

	err := h.PreHook(context.Background())
	if !errors.Is(err, credentials.ErrResolution) {
		t.Fatalf("err = %v, want ErrResolution", err)
	}
	if conf.Staging.StageOut.ServiceURL != "" {
		t.Errorf("stage-out should stay unset, got %+v", conf.Staging.StageOut)
	}
}

func TestPostHook_Errors(t *testing.T) {
	t.Cleanup(storage.Published.Reset)
	cfg := testConfig()
	mem := storagetest.NewMemStore()
	adapter := storage.NewAdapter(nil, mem.Factory(), nil)
	h := New(testJob(), cfg, staticResolver(t, cfg), adapter, nil)
	ctx := context.Background()
	if err := h.PreHook(ctx); err != nil {
		t.Fatal(err)
	}

	if err := h.PostHook(ctx, RunResult{Output: map[string]any{}}); !errors.Is(err, ErrNoCatalogOutput) {
		t.Errorf("err = %v, want ErrNoCatalogOutput", err)
	}

	run := RunResult{Output: map[string]any{OutputCatalogKey: "s3://processingresults/missing/catalog.json"}}
	if err := h.PostHook(ctx, run); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("err = %v, want ErrObjectNotFound", err)
	}
	if h.Result() != nil {
		t.Error("result should stay nil after a failed assembly")
	}
}

func TestHandleOutputs(t *testing.T) {
	conf := testJob()
	h := New(conf, testConfig(), nil, nil, nil)

	run := RunResult{ToolLogs: []string{"/tmp/zoo/water-bodies-water-bodies-run-1/crop.log", "/x/norm_diff.log"}}
	if err := h.HandleOutputs(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if len(conf.ServiceLogs) != 2 {
		t.Fatalf("service logs = %d", len(conf.ServiceLogs))
	}
	first := conf.ServiceLogs[0]
	if first.URL != "https://zoo.example.com/temp/water-bodies-water-bodies-run-1/crop.log" {
		t.Errorf("url = %q", first.URL)
	}
	if first.Title != "Tool log crop.log" || first.Rel != "related" {
		t.Errorf("entry = %+v", first)
	}

	flat := job.FlattenServiceLogs(conf.ServiceLogs)
	if flat["length"] != "2" || flat["title_1"] != "Tool log norm_diff.log" {
		t.Errorf("flattened = %v", flat)
	}
}

func TestAccessors(t *testing.T) {
	conf := testJob()
	conf.PodEnvVars = map[string]string{"A": "1"}
	h := New(conf, testConfig(), nil, nil, nil)

	env := h.PodEnvVars()
	env["B"] = "2"
	if len(conf.PodEnvVars) != 1 {
		t.Error("PodEnvVars should return a copy")
	}
	if sel := h.PodNodeSelector(); sel == nil || len(sel) != 0 {
		t.Errorf("PodNodeSelector = %v, want empty map", sel)
	}
	if s := h.Secrets(); len(s) != 0 {
		t.Errorf("Secrets = %v, want empty for a missing file", s)
	}
}

func TestLoadOptionalYAML(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"absent", filepath.Join(dir, "absent.yaml"), 0},
		{"empty", write("empty.yaml", ""), 0},
		{"malformed", write("bad.yaml", "auths: [\n  - {"), 0},
		{"not a mapping", write("list.yaml", "- a\n- b\n"), 0},
		{"valid", write("ok.yaml", "auths:\n  registry.example.com:\n    auth: dXNlcjpwYXNz\n"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LoadOptionalYAML(tt.path)
			if got == nil {
				t.Fatal("LoadOptionalYAML returned nil")
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d (%v)", len(got), tt.want, got)
			}
		})
	}
}

func TestCatalogURI(t *testing.T) {
	tests := []struct {
		name   string
		output map[string]any
		want   string
	}{
		{"top level", map[string]any{OutputCatalogKey: "s3://b/c.json"}, "s3://b/c.json"},
		{"nested", map[string]any{"stac": map[string]any{OutputCatalogKey: "s3://b/c.json"}}, "s3://b/c.json"},
		{"cwl directory", map[string]any{OutputCatalogKey: map[string]any{"class": "Directory", "location": "file:///tmp/out"}}, "/tmp/out"},
		{"missing", map[string]any{"other": 1}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CatalogURI(tt.output); got != tt.want {
				t.Errorf("CatalogURI = %q, want %q", got, tt.want)
			}
		})
	}
}
