package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cblomart/goproxlb-autonomic/internal/balancer"
	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/logging"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

type fakeClient struct {
	nodes []models.Node
	vms   map[string][]models.VM
}

func (f *fakeClient) ListNodes(ctx context.Context) ([]models.Node, error) { return f.nodes, nil }
func (f *fakeClient) ListVMs(ctx context.Context, node string) ([]models.VM, error) {
	return f.vms[node], nil
}
func (f *fakeClient) VMStatus(ctx context.Context, node string, vmid int) (models.VM, error) {
	return models.VM{}, nil
}
func (f *fakeClient) ListClusterTasks(ctx context.Context, runningOnly bool) ([]models.ClusterTask, error) {
	return nil, nil
}
func (f *fakeClient) Migrate(ctx context.Context, source string, vmid int, target string, online, withLocalDisks bool) error {
	return nil
}

func testServer() *Server {
	const gib = 1 << 30
	client := &fakeClient{
		nodes: []models.Node{
			{Name: "a", Status: models.NodeStatusOnline, CPUUsage: 0.2, CPUCores: 8, MemUsed: gib, MemTotal: 16 * gib, DiskUsed: gib, DiskTot: 200 * gib},
			{Name: "b", Status: models.NodeStatusOnline, CPUUsage: 0.9, CPUCores: 8, MemUsed: gib, MemTotal: 16 * gib, DiskUsed: gib, DiskTot: 200 * gib},
		},
		vms: map[string][]models.VM{
			"b": {{VMID: 1, Name: "vm-1", Status: models.VMStatusRunning, Node: "b", CPUUsage: 0.9, MaxCPU: 1, MemMax: gib / 2, MaxDisk: 5 * gib}},
		},
	}
	cfg := &config.Config{
		Proxmox:       config.ProxmoxConfig{Host: "https://localhost:8006"},
		CheckInterval: 300, HighLoadThreshold: 0.8, LowLoadThreshold: 0.2,
		MaxParallelMigrations: 2, ConsiderAffinity: true,
		ResourceWeights: config.ResourceWeights{CPU: 0.4, Memory: 0.4, Disk: 0.15, Network: 0.05},
		API:             config.APIConfig{APIKey: "secret"},
	}
	bal := balancer.New(cfg, client, &logging.Recorder{})
	bal.Tick(context.Background())
	return New(bal, "secret", "", &logging.Recorder{})
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestStatusRequiresAPIKey(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without an API key", rec.Code)
	}
}

func TestStatusWithValidKey(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var status models.ClusterStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.OverloadedNodes) != 1 || status.OverloadedNodes[0] != "b" {
		t.Errorf("OverloadedNodes = %v, want [b]", status.OverloadedNodes)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRecommendationsCoversOverloadedNodes(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodGet, "/api/recommendations?count=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var result []models.Recommendation
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 {
		t.Fatalf("expected one recommendation for the one VM on overloaded node b, got %d", len(result))
	}
	if result[0].VMID != 1 || result[0].Source != "b" {
		t.Errorf("unexpected recommendation: %+v", result[0])
	}
	if len(result[0].Targets) == 0 || result[0].Targets[0] != "a" {
		t.Errorf("Targets = %v, want [a ...]", result[0].Targets)
	}
}

func TestRecommendationsDetailedIncludesImpacts(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodGet, "/api/recommendations?detail=detailed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var result []models.Recommendation
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 1 || len(result[0].Impacts) == 0 {
		t.Fatalf("expected impacts to be populated in detailed mode, got %+v", result)
	}
}

func TestMigrateValidatesBody(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodPost, "/api/migrate", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an empty migrate body", rec.Code)
	}
}

func TestMigrateDispatches(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodPost, "/api/migrate", map[string]interface{}{"vmid": 1, "target": "a"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateCriticalVMs(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodPost, "/api/critical_vms/update", map[string]interface{}{"vmids": []int{1, 2}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cfg config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.API.APIKey != "" {
		t.Error("expected api_key to be redacted from the response")
	}
}

func TestUpdateConfigRenormalizesWeights(t *testing.T) {
	s := testServer()
	body := *s.bal.Config()
	body.ResourceWeights = config.ResourceWeights{CPU: 1, Memory: 1, Disk: 1, Network: 1}
	rec := doRequest(t, s, http.MethodPut, "/api/config", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got config.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if sum := got.ResourceWeights.Sum(); sum < 0.99 || sum > 1.01 {
		t.Errorf("ResourceWeights.Sum() = %v, want ~1 after renormalization", sum)
	}
	if s.bal.Config().ResourceWeights.Sum() < 0.99 {
		t.Error("expected the running balancer config to reflect the update")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	s := testServer()
	body := *s.bal.Config()
	body.CheckInterval = -1
	rec := doRequest(t, s, http.MethodPut, "/api/config", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an invalid config", rec.Code)
	}
}

func TestMigrationHistoryFiltersByVMIDAndLimit(t *testing.T) {
	s := testServer()
	if rec := doRequest(t, s, http.MethodPost, "/api/migrate", map[string]interface{}{"vmid": 1, "target": "a"}); rec.Code != http.StatusAccepted {
		t.Fatalf("seed migrate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec := doRequest(t, s, http.MethodGet, "/api/migrations/history?vm_id=1&limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Migrations []models.Migration `json:"migrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Migrations) != 1 || body.Migrations[0].VMID != 1 {
		t.Errorf("Migrations = %+v, want one entry for vmid 1", body.Migrations)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/migrations/history?vm_id=999", nil)
	body.Migrations = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Migrations) != 0 {
		t.Errorf("expected no migrations for an unrelated vm_id, got %+v", body.Migrations)
	}
}

func TestMetricsEndpointSkipsAuth(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for /metrics without an API key", rec.Code)
	}
}
