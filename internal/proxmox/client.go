// Package proxmox provides client functionality for interacting with Proxmox VE APIs.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// ErrTransient marks a hypervisor call failure the caller should treat as
// retryable on the next tick rather than fatal (spec §7).
var ErrTransient = errors.New("proxmox: transient error")

// Client is the concrete ClientInterface implementation, talking to a
// Proxmox VE cluster's /api2/json/ REST surface.
type Client struct {
	host     string
	username string
	password string
	token    string
	client   *http.Client
}

// NewClient creates a new Proxmox API client from the persisted config.
func NewClient(cfg *config.ProxmoxConfig) *Client {
	// Only allow insecure connections for localhost/127.0.0.1.
	allowInsecure := cfg.Insecure && (strings.Contains(cfg.Host, "localhost") ||
		strings.Contains(cfg.Host, "127.0.0.1") || strings.Contains(cfg.Host, "::1"))

	return &Client{
		host:     cfg.Host,
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					//nolint:gosec // InsecureSkipVerify is conditionally allowed for localhost only
					InsecureSkipVerify: allowInsecure,
				},
			},
		},
	}
}

var _ ClientInterface = (*Client)(nil)

// ListNodes returns every node in the cluster with current status+usage.
func (c *Client) ListNodes(ctx context.Context) ([]models.Node, error) {
	resp, err := c.request(ctx, "GET", "/api2/json/nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list nodes: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var listResp struct {
		Data []struct {
			Node   string `json:"node"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("%w: decode node list: %v", ErrTransient, err)
	}

	nodes := make([]models.Node, 0, len(listResp.Data))
	for _, n := range listResp.Data {
		if n.Status != models.NodeStatusOnline {
			nodes = append(nodes, models.Node{Name: n.Node, Status: n.Status})
			continue
		}
		detail, err := c.nodeStatus(ctx, n.Node)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s status: %v", ErrTransient, n.Node, err)
		}
		detail.Name = n.Node
		detail.Status = n.Status
		nodes = append(nodes, detail)
	}
	return nodes, nil
}

// nodeStatus fetches /nodes/<node>/status for the current snapshot.
func (c *Client) nodeStatus(ctx context.Context, node string) (models.Node, error) {
	resp, err := c.request(ctx, "GET", fmt.Sprintf("/api2/json/nodes/%s/status", node), nil)
	if err != nil {
		return models.Node{}, err
	}
	defer resp.Body.Close()

	var statusResp struct {
		Data struct {
			CPU    float64 `json:"cpu"`
			Uptime uint64  `json:"uptime"`
			Memory struct {
				Total uint64 `json:"total"`
				Used  uint64 `json:"used"`
			} `json:"memory"`
			Rootfs struct {
				Total uint64 `json:"total"`
				Used  uint64 `json:"used"`
			} `json:"rootfs"`
			CPUInfo struct {
				CPUs int `json:"cpus"`
			} `json:"cpuinfo"`
			LoadAvg []string `json:"loadavg"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return models.Node{}, err
	}

	var load float64
	if len(statusResp.Data.LoadAvg) > 0 {
		load, _ = strconv.ParseFloat(statusResp.Data.LoadAvg[0], 64)
	}

	return models.Node{
		CPUUsage: statusResp.Data.CPU,
		MemUsed:  statusResp.Data.Memory.Used,
		MemTotal: statusResp.Data.Memory.Total,
		DiskUsed: statusResp.Data.Rootfs.Used,
		DiskTot:  statusResp.Data.Rootfs.Total,
		CPUCores: statusResp.Data.CPUInfo.CPUs,
		Uptime:   statusResp.Data.Uptime,
		Load:     load,
	}, nil
}

// ListVMs returns qemu VMs and lxc containers hosted on node.
func (c *Client) ListVMs(ctx context.Context, node string) ([]models.VM, error) {
	qemu, err := c.listGuests(ctx, node, "qemu")
	if err != nil {
		return nil, err
	}
	lxc, err := c.listGuests(ctx, node, "lxc")
	if err != nil {
		return nil, err
	}
	return append(qemu, lxc...), nil
}

func (c *Client) listGuests(ctx context.Context, node, kind string) ([]models.VM, error) {
	resp, err := c.request(ctx, "GET", fmt.Sprintf("/api2/json/nodes/%s/%s", node, kind), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s on %s: %v", ErrTransient, kind, node, err)
	}
	defer resp.Body.Close()

	var guestResp struct {
		Data []struct {
			VMID   int     `json:"vmid"`
			Name   string  `json:"name"`
			Status string  `json:"status"`
			CPU    float64 `json:"cpu"`
			Mem    uint64  `json:"mem"`
			MaxMem uint64  `json:"maxmem"`
			MaxCPU int     `json:"maxcpu, omitempty"`
			CPUs   int     `json:"cpus,omitempty"`
			Disk   uint64  `json:"maxdisk"`
			Uptime uint64  `json:"uptime"`
			Tags   string  `json:"tags,omitempty"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&guestResp); err != nil {
		return nil, fmt.Errorf("%w: decode %s list: %v", ErrTransient, kind, err)
	}

	vms := make([]models.VM, 0, len(guestResp.Data))
	for _, g := range guestResp.Data {
		maxCPU := g.MaxCPU
		if maxCPU == 0 {
			maxCPU = g.CPUs
		}
		vms = append(vms, models.VM{
			VMID:     g.VMID,
			Name:     g.Name,
			Status:   g.Status,
			Node:     node,
			CPUUsage: g.CPU,
			MemUsed:  g.Mem,
			MemMax:   g.MaxMem,
			MaxCPU:   maxCPU,
			MaxDisk:  g.Disk,
			Uptime:   g.Uptime,
			Tags:     splitTags(g.Tags),
		})
	}
	return vms, nil
}

// splitTags parses Proxmox's semicolon-separated tag string into a slice,
// dropping empty entries.
func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// VMStatus fetches a single VM's current status. Tries qemu, falls back to lxc.
func (c *Client) VMStatus(ctx context.Context, node string, vmid int) (models.VM, error) {
	for _, kind := range []string{"qemu", "lxc"} {
		resp, err := c.request(ctx, "GET", fmt.Sprintf("/api2/json/nodes/%s/%s/%d/status/current", node, kind, vmid), nil)
		if err != nil {
			continue
		}
		var statusResp struct {
			Data struct {
				Name   string  `json:"name"`
				Status string  `json:"status"`
				CPU    float64 `json:"cpu"`
				Mem    uint64  `json:"mem"`
				MaxMem uint64  `json:"maxmem"`
				MaxCPU int     `json:"maxcpu,omitempty"`
				Cpus   int     `json:"cpus,omitempty"`
				Disk   uint64  `json:"maxdisk"`
				Uptime uint64  `json:"uptime"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&statusResp)
		resp.Body.Close()
		if err != nil {
			continue
		}
		maxCPU := statusResp.Data.MaxCPU
		if maxCPU == 0 {
			maxCPU = statusResp.Data.Cpus
		}
		return models.VM{
			VMID:     vmid,
			Name:     statusResp.Data.Name,
			Status:   statusResp.Data.Status,
			Node:     node,
			CPUUsage: statusResp.Data.CPU,
			MemUsed:  statusResp.Data.Mem,
			MemMax:   statusResp.Data.MaxMem,
			MaxCPU:   maxCPU,
			MaxDisk:  statusResp.Data.Disk,
			Uptime:   statusResp.Data.Uptime,
		}, nil
	}
	return models.VM{}, fmt.Errorf("%w: vm %d not found on %s", ErrTransient, vmid, node)
}

// ListClusterTasks returns the cluster task list, optionally filtered to
// currently-running tasks.
func (c *Client) ListClusterTasks(ctx context.Context, runningOnly bool) ([]models.ClusterTask, error) {
	path := "/api2/json/cluster/tasks"
	resp, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list cluster tasks: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var tasksResp struct {
		Data []struct {
			Type       string `json:"type"`
			ID         string `json:"id"`
			UPID       string `json:"upid"`
			Status     string `json:"status"`
			ExitStatus string `json:"exitstatus"`
			StartTime  int64  `json:"starttime"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tasksResp); err != nil {
		return nil, fmt.Errorf("%w: decode cluster tasks: %v", ErrTransient, err)
	}

	tasks := make([]models.ClusterTask, 0, len(tasksResp.Data))
	for _, t := range tasksResp.Data {
		if runningOnly && t.Status != "" && t.Status != "running" {
			continue
		}
		id := t.ID
		if id == "" {
			id = t.UPID
		}
		tasks = append(tasks, models.ClusterTask{
			Type:       t.Type,
			ID:         id,
			Status:     t.Status,
			ExitStatus: t.ExitStatus,
			StartTime:  t.StartTime,
		})
	}
	return tasks, nil
}

// Migrate requests a migration of vmid from source to target.
func (c *Client) Migrate(ctx context.Context, source string, vmid int, target string, online, withLocalDisks bool) error {
	data := url.Values{}
	data.Set("target", target)
	if online {
		data.Set("online", "1")
	}
	if withLocalDisks {
		data.Set("with-local-disks", "1")
	}

	resp, err := c.request(ctx, "POST", fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/migrate", source, vmid), strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: migrate vm %d: %v", ErrTransient, vmid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("migration of vm %d rejected with status %d: %s", vmid, resp.StatusCode, string(body))
	}
	return nil
}

// request issues an authenticated HTTP request against the Proxmox API.
func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, err
	}

	switch {
	case c.token != "":
		req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	case c.username != "" && c.password != "":
		req.SetBasicAuth(c.username, c.password)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.client.Do(req)
}
