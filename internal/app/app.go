// Package app provides the main application logic and command handling for
// the autonomic load balancer: wiring config/client/balancer/API together
// and exposing the CLI modes spec §6 and SPEC_FULL §13.4 call for.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/cblomart/goproxlb-autonomic/internal/api"
	"github.com/cblomart/goproxlb-autonomic/internal/balancer"
	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/logging"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
	"github.com/cblomart/goproxlb-autonomic/internal/proxmox"
	"github.com/cblomart/goproxlb-autonomic/internal/raft"
)

// App wires a loaded config to a running balancer, its optional management
// API, and an optional Raft node for multi-instance HA (spec §11).
type App struct {
	cfg        *config.Config
	configPath string
	client     proxmox.ClientInterface
	logger     logging.Logger
	bal        *balancer.Balancer
	apiServer  *api.Server
	raftNode   *raft.RaftNode
}

// New builds an App from a config file path. configPath may be empty to
// use defaults, matching the teacher's NewAppWithDefaults shape.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newWithClient(cfg, configPath, proxmox.NewClient(&cfg.Proxmox))
}

// NewWithConfig builds an App from an already-loaded config. It has no
// backing file path, so PUT /api/config updates are held in memory only.
func NewWithConfig(cfg *config.Config) (*App, error) {
	return newWithClient(cfg, "", proxmox.NewClient(&cfg.Proxmox))
}

// newWithClient builds an App against an explicit ClientInterface, letting
// tests substitute a hand-rolled fake for the real hypervisor client.
func newWithClient(cfg *config.Config, configPath string, client proxmox.ClientInterface) (*App, error) {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	bal := balancer.New(cfg, client, logger)

	a := &App{cfg: cfg, configPath: configPath, client: client, logger: logger, bal: bal}

	if cfg.API.Enabled {
		a.apiServer = api.New(bal, cfg.API.APIKey, configPath, logger)
	}

	if cfg.Raft.Enabled {
		node, err := raft.NewRaftNode(cfg.Raft.NodeID, cfg.Raft.Address, cfg.Raft.DataDir, cfg.Raft.Peers)
		if err != nil {
			return nil, fmt.Errorf("start raft node: %w", err)
		}
		a.raftNode = node
	}

	return a, nil
}

// Daemon runs the balancer loop and, if enabled, the management API and
// Raft leader-election loop, until ctx is cancelled or SIGINT/SIGTERM
// arrives (spec §5, §11).
func (a *App) Daemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.raftNode != nil {
		if err := a.raftNode.Start(); err != nil {
			return fmt.Errorf("start raft node: %w", err)
		}
		defer a.raftNode.Stop()
		a.logger.Info("raft node started", "node_id", a.cfg.Raft.NodeID, "address", a.cfg.Raft.Address)
	}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{Addr: a.cfg.API.Address, Handler: a.apiServer}
		go func() {
			a.logger.Info("management API listening", "address", a.cfg.API.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("management API stopped", "error", err.Error())
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if a.raftNode != nil && !a.raftNode.IsLeader() {
		a.logger.Info("standing by as raft follower, balancer loop idle until elected leader")
		for {
			select {
			case <-ctx.Done():
				return nil
			case isLeader := <-a.raftNode.GetLeaderChan():
				if isLeader {
					a.logger.Info("elected leader, starting balancer loop")
					a.bal.Run(ctx)
					return nil
				}
			}
		}
	}

	a.bal.Run(ctx)
	return nil
}

// RunOnce runs a single balancing tick and returns, for `--once`.
func (a *App) RunOnce(ctx context.Context) error {
	a.bal.Tick(ctx)
	return nil
}

// ShowStatus prints the current cluster status to stdout, color-coding
// overloaded/underloaded nodes the way the teacher's ShowStatus does.
func (a *App) ShowStatus(ctx context.Context) error {
	a.bal.Tick(ctx)
	overloaded, underloaded := a.bal.Classify()
	status := a.bal.State().Status(overloaded, underloaded, nil)

	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Println("=== Cluster Status ===")
	fmt.Printf("Running: %v\n", status.Running)
	fmt.Printf("Overloaded nodes: %s\n", red(status.OverloadedNodes))
	fmt.Printf("Underloaded nodes: %s\n", green(status.UnderloadedNodes))

	for _, n := range a.bal.State().Nodes() {
		label := n.Name
		switch {
		case contains(status.OverloadedNodes, n.Name):
			label = red(n.Name)
		case contains(status.UnderloadedNodes, n.Name):
			label = green(n.Name)
		default:
			label = yellow(n.Name)
		}
		fmt.Printf("  %s: cpu=%.1f%% mem=%.1f%% status=%s\n", label, n.CPUUsage*100, n.MemFrac()*100, n.Status)
	}

	fmt.Printf("Recent migrations: %d\n", len(status.RecentMigrations))
	return nil
}

// ShowRecommendations prints ranked migration targets for a VM (`--recommendations`).
func (a *App) ShowRecommendations(vm int, count int, detailed bool) error {
	v, source, found := a.bal.State().FindVM(vm)
	if !found {
		return fmt.Errorf("vm %d not found", vm)
	}
	targets := a.bal.Recommend(v, count)

	fmt.Printf("=== Recommendations for VM %d (%s), currently on %s ===\n", v.VMID, v.Name, source)
	if len(targets) == 0 {
		fmt.Println("No feasible target nodes found.")
		return nil
	}
	nodes := a.bal.State().Nodes()
	for i, t := range targets {
		fmt.Printf("%d. %s\n", i+1, t)
		if detailed {
			impact := a.bal.AnalyzeImpact(v, nodeByName(nodes, t))
			fmt.Printf("   performance=%s risk=%s recommended=%v\n", impact.PerformanceImpact, impact.RiskLevel, impact.Recommended)
			for _, r := range impact.Reasons {
				fmt.Printf("   - %s\n", r)
			}
		}
	}
	return nil
}

// ShowConfig prints the redacted configuration document (`--config-dump`).
func (a *App) ShowConfig() error {
	out, err := json.MarshalIndent(a.cfg.Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// CheckConfig loads and validates the config without starting the balancer
// loop (SPEC_FULL §13.4). config.Load has already renormalized
// resource_weights by the time they are checked here, so a renormalization
// done while loading is not reported.
func CheckConfig(configPath string) error {
	before, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return err
	}
	w := before.ResourceWeights
	sum := w.Sum()
	if absFloat(sum-1.0) > 0.01 {
		fmt.Printf("resource_weights normalized: cpu/memory/disk/network summed to %.2f, renormalized to 1.0\n", sum)
	}
	fmt.Println("config OK")
	return nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// UpdateCriticalVMs recomputes the critical-VM list and applies it to the
// running balancer (`--update-critical-vms`, SPEC_FULL §13.2); the result
// is not written back to the config file.
func (a *App) UpdateCriticalVMs(ctx context.Context, extra []int) error {
	merged := a.bal.RefreshCriticalVMs(dedupe(extra))
	fmt.Printf("critical VM list updated: %v\n", merged)
	return nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nodeByName(nodes []models.Node, name string) models.Node {
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	return models.Node{}
}

// InstallService installs goproxlb as a systemd service, adapted from the
// teacher's InstallService to the new --daemon entrypoint.
func InstallService(user, group, configPath string, enableService bool) error {
	const serviceName = "goproxlb"

	if os.Geteuid() != 0 {
		return fmt.Errorf("installing a systemd service requires root privileges; re-run with sudo")
	}

	execPath := os.Args[0]
	if !filepath.IsAbs(execPath) {
		if abs, err := exec.LookPath(execPath); err == nil {
			execPath = abs
		}
	}

	serviceExec := execPath + " --daemon"
	if configPath != "" {
		serviceExec += " --config " + configPath
	}

	serviceContent := fmt.Sprintf(`[Unit]
Description=Autonomic load balancer for Proxmox clusters
After=network.target
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
User=%s
Group=%s
WorkingDirectory=/var/lib/goproxlb
ExecStart=%s
Restart=on-failure
RestartSec=10
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths=/var/lib/goproxlb

[Install]
WantedBy=multi-user.target
`, user, group, serviceExec, serviceName)

	for _, dir := range []string{"/var/lib/goproxlb", "/etc/goproxlb", "/var/log/goproxlb"} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	servicePath := "/etc/systemd/system/" + serviceName + ".service"
	if err := os.WriteFile(servicePath, []byte(serviceContent), 0644); err != nil {
		return fmt.Errorf("write service file %s: %w", servicePath, err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("reload systemd daemon: %w", err)
	}

	if enableService {
		if err := exec.Command("systemctl", "enable", "--now", serviceName).Run(); err != nil {
			return fmt.Errorf("enable service: %w", err)
		}
		fmt.Println("service enabled and started")
	}

	fmt.Printf("service file %s installed\n", servicePath)
	return nil
}
