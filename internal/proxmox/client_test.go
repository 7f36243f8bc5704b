package proxmox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cblomart/goproxlb-autonomic/internal/config"
)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func setupMockServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(&config.ProxmoxConfig{Host: server.URL, Username: "root@pam", Password: "secret"})
	return c, server
}

func TestNewClientLocalInsecureAllowed(t *testing.T) {
	c := NewClient(&config.ProxmoxConfig{Host: "https://localhost:8006", Insecure: true})
	transport, ok := c.client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !transport.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected insecure skip verify to be allowed for localhost")
	}
}

func TestNewClientRemoteInsecureDenied(t *testing.T) {
	c := NewClient(&config.ProxmoxConfig{Host: "https://pve.example.com:8006", Insecure: true})
	transport := c.client.Transport.(*http.Transport)
	if transport.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected insecure skip verify to be denied for a non-local host")
	}
}

func TestListNodes(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes":
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"node": "node1", "status": "online"},
					{"node": "node2", "status": "offline"},
				},
			})
		case "/api2/json/nodes/node1/status":
			writeJSON(w, map[string]interface{}{
				"data": map[string]interface{}{
					"cpu":     0.42,
					"uptime":  1000,
					"memory":  map[string]interface{}{"total": 100, "used": 50},
					"rootfs":  map[string]interface{}{"total": 200, "used": 20},
					"cpuinfo": map[string]interface{}{"cpus": 8},
					"loadavg": []string{"1.5"},
				},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	nodes, err := c.ListNodes(context.Background())
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("ListNodes() = %d nodes, want 2", len(nodes))
	}
	if nodes[0].Name != "node1" || nodes[0].CPUUsage != 0.42 {
		t.Errorf("node1 = %+v, want cpu 0.42", nodes[0])
	}
	if nodes[1].Name != "node2" || nodes[1].Status != "offline" {
		t.Errorf("node2 = %+v, want offline with no detail call", nodes[1])
	}
}

func TestListVMsMergesQemuAndLXC(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes/node1/qemu":
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"vmid": 100, "name": "vm-a", "status": "running", "cpu": 0.1, "mem": 1024, "maxmem": 2048, "maxcpu": 2, "maxdisk": 10240, "tags": "ha;plb_critical_db"},
				},
			})
		case "/api2/json/nodes/node1/lxc":
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"vmid": 200, "name": "ct-a", "status": "running", "cpu": 0.2, "mem": 512, "maxmem": 1024, "maxdisk": 5120},
				},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	vms, err := c.ListVMs(context.Background(), "node1")
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("ListVMs() = %d, want 2", len(vms))
	}
	if vms[0].VMID != 100 || len(vms[0].Tags) != 2 || vms[0].Tags[0] != "ha" {
		t.Errorf("qemu vm = %+v, want tags [ha plb_critical_db]", vms[0])
	}
	if vms[1].VMID != 200 {
		t.Errorf("lxc vm = %+v, want vmid 200", vms[1])
	}
}

func TestSplitTags(t *testing.T) {
	cases := map[string][]string{
		"":                  nil,
		"ha":                {"ha"},
		"ha;plb_critical_x": {"ha", "plb_critical_x"},
		" ha ; ; db ":       {"ha", "db"},
	}
	for raw, want := range cases {
		got := splitTags(raw)
		if len(got) != len(want) {
			t.Errorf("splitTags(%q) = %v, want %v", raw, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("splitTags(%q) = %v, want %v", raw, got, want)
				break
			}
		}
	}
}

func TestVMStatusFallsBackToLXC(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/nodes/node1/qemu/100/status/current":
			w.WriteHeader(http.StatusNotFound)
		case "/api2/json/nodes/node1/lxc/100/status/current":
			writeJSON(w, map[string]interface{}{
				"data": map[string]interface{}{"name": "ct-a", "status": "running", "cpu": 0.3, "mem": 256, "maxmem": 512, "maxdisk": 2048},
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	vm, err := c.VMStatus(context.Background(), "node1", 100)
	if err != nil {
		t.Fatalf("VMStatus: %v", err)
	}
	if vm.Name != "ct-a" || vm.Status != "running" {
		t.Errorf("VMStatus() = %+v, want lxc fallback result", vm)
	}
}

func TestListClusterTasksFiltersRunning(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": []map[string]interface{}{
				{"type": "qmigrate", "upid": "UPID:1", "status": "running", "starttime": 10},
				{"type": "qmigrate", "upid": "UPID:2", "status": "stopped", "starttime": 5},
			},
		})
	})

	tasks, err := c.ListClusterTasks(context.Background(), true)
	if err != nil {
		t.Fatalf("ListClusterTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "UPID:1" {
		t.Errorf("ListClusterTasks(runningOnly=true) = %+v, want only UPID:1", tasks)
	}
}

func TestMigrateSuccess(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api2/json/nodes/node1/qemu/100/migrate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		writeJSON(w, map[string]interface{}{"data": "UPID:migrate"})
	})

	if err := c.Migrate(context.Background(), "node1", 100, "node2", true, false); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrateRejected(t *testing.T) {
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("locked"))
	})

	if err := c.Migrate(context.Background(), "node1", 100, "node2", false, false); err == nil {
		t.Error("expected error on non-200 response")
	}
}

func TestRequestUsesTokenAuthWhenSet(t *testing.T) {
	var gotAuth string
	c, _ := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, map[string]interface{}{"data": []interface{}{}})
	})
	c.token = "user@pve!tokenid=secret"
	c.username = ""
	c.password = ""

	if _, err := c.ListNodes(context.Background()); err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if gotAuth != "PVEAPIToken=user@pve!tokenid=secret" {
		t.Errorf("Authorization header = %q, want PVEAPIToken=...", gotAuth)
	}
}
