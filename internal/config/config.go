// Package config handles configuration loading and validation for the
// autonomic load balancer.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the single persisted config document (spec §6).
type Config struct {
	Proxmox ProxmoxConfig `mapstructure:"proxmox"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	API     APIConfig     `mapstructure:"api"`
	Raft    RaftConfig    `mapstructure:"raft"`
	Logging LoggingConfig `mapstructure:"logging"`

	CheckInterval           int             `mapstructure:"check_interval"`
	HighLoadThreshold       float64         `mapstructure:"high_load_threshold"`
	LowLoadThreshold        float64         `mapstructure:"low_load_threshold"`
	MinBalanceInterval      int             `mapstructure:"min_balance_interval"`
	MaxParallelMigrations   int             `mapstructure:"max_parallel_migrations"`
	MigrateHighLoad         bool            `mapstructure:"migrate_high_load"`
	MigrateToLowLoad        bool            `mapstructure:"migrate_to_low_load"`
	ResourceWeights         ResourceWeights `mapstructure:"resource_weights"`
	VMExclusions            []int           `mapstructure:"vm_exclusions"`
	NodeExclusions          []string        `mapstructure:"node_exclusions"`
	ConsiderAffinity        bool            `mapstructure:"consider_affinity"`
	VMGroups                map[string][]int `mapstructure:"vm_groups"`
	ConsiderTimeOfDay       bool            `mapstructure:"consider_time_of_day"`
	OffHours                OffHours        `mapstructure:"off_hours"`
	LearningEnabled         bool            `mapstructure:"learning_enabled"`
	AutoConfigureHypervisor bool            `mapstructure:"auto_configure_hypervisor"`
	CriticalVMs             []int           `mapstructure:"critical_vms"`
}

// ResourceWeights weighs {cpu, memory, disk, network} for the Node Scorer.
// network is accepted and normalized but not consumed by the scorer (spec §9).
type ResourceWeights struct {
	CPU     float64 `mapstructure:"cpu"`
	Memory  float64 `mapstructure:"memory"`
	Disk    float64 `mapstructure:"disk"`
	Network float64 `mapstructure:"network"`
}

// Sum returns the total of all four weights.
func (w ResourceWeights) Sum() float64 {
	return w.CPU + w.Memory + w.Disk + w.Network
}

// Normalized returns w scaled so its components sum to 1, unless the sum is
// already within ±0.01 of 1 (spec §6), in which case w is returned unchanged.
func (w ResourceWeights) Normalized() ResourceWeights {
	total := w.Sum()
	if total == 0 || absFloat(total-1.0) <= 0.01 {
		return w
	}
	return ResourceWeights{
		CPU:     w.CPU / total,
		Memory:  w.Memory / total,
		Disk:    w.Disk / total,
		Network: w.Network / total,
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// OffHours is the daily window in which migrations are permitted when
// ConsiderTimeOfDay is true. Hours are in [0,24).
type OffHours struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// Contains reports whether hour h falls inside the off-hours window,
// handling the midnight wraparound case (spec §4.E).
func (o OffHours) Contains(h int) bool {
	if o.Start < o.End {
		return h >= o.Start && h < o.End
	}
	return h >= o.Start || h < o.End
}

// ProxmoxConfig holds hypervisor connection settings.
type ProxmoxConfig struct {
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
	Insecure bool   `mapstructure:"insecure"`
}

// ClusterConfig holds cluster identification.
type ClusterConfig struct {
	Name string `mapstructure:"name"`
}

// APIConfig holds the management HTTP API's listener settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	APIKey  string `mapstructure:"api_key"`
}

// RaftConfig holds leader-election settings for multi-instance HA (§11).
type RaftConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	NodeID  string   `mapstructure:"node_id"`
	Address string   `mapstructure:"address"`
	DataDir string   `mapstructure:"data_dir"`
	Peers   []string `mapstructure:"peers"`
}

// LoggingConfig holds the injected-sink logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// Load reads and validates a config document, layering a YAML file over
// the package defaults, the way the teacher's Viper setup does (defaults
// -> file). No CLI-flag layer is applied over the file; the CLI only
// supplies the config path.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadDefault returns a config built entirely from defaults, useful for
// tests and for `--check-config` dry runs with no file present.
func LoadDefault() (*Config, error) {
	return Load("")
}

// setDefaults installs every spec §6 persisted field's default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxmox.host", "https://localhost:8006")
	v.SetDefault("proxmox.insecure", true)

	v.SetDefault("cluster.name", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.address", "127.0.0.1:8008")
	v.SetDefault("api.api_key", "")

	v.SetDefault("raft.enabled", false)
	v.SetDefault("raft.data_dir", "/var/lib/goproxlb")
	v.SetDefault("raft.peers", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("check_interval", 300)
	v.SetDefault("high_load_threshold", 0.8)
	v.SetDefault("low_load_threshold", 0.2)
	v.SetDefault("min_balance_interval", 3600)
	v.SetDefault("max_parallel_migrations", 2)
	v.SetDefault("migrate_high_load", true)
	v.SetDefault("migrate_to_low_load", true)
	v.SetDefault("resource_weights.cpu", 0.4)
	v.SetDefault("resource_weights.memory", 0.4)
	v.SetDefault("resource_weights.disk", 0.15)
	v.SetDefault("resource_weights.network", 0.05)
	v.SetDefault("vm_exclusions", []int{})
	v.SetDefault("node_exclusions", []string{})
	v.SetDefault("consider_affinity", true)
	v.SetDefault("vm_groups", map[string][]int{})
	v.SetDefault("consider_time_of_day", true)
	v.SetDefault("off_hours.start", 22)
	v.SetDefault("off_hours.end", 6)
	v.SetDefault("learning_enabled", true)
	v.SetDefault("auto_configure_hypervisor", true)
	v.SetDefault("critical_vms", []int{})
}

// Normalize runs the one normalization pass applied after merging
// defaults+file, or after a PUT /api/config update: renormalize
// weights and nothing else needs adjusting (off-hours bounds are
// validated, not silently corrected).
func (c *Config) Normalize() {
	c.ResourceWeights = c.ResourceWeights.Normalized()
}

// Validate checks the merged config for internal consistency. Unparseable
// or out-of-range values abort startup with a non-zero exit per spec §7.
func (c *Config) Validate() error {
	if c.Proxmox.Host == "" {
		return fmt.Errorf("proxmox.host is required")
	}
	if !strings.Contains(c.Proxmox.Host, "localhost") && !strings.Contains(c.Proxmox.Host, "127.0.0.1") {
		if c.Proxmox.Username == "" && c.Proxmox.Token == "" {
			return fmt.Errorf("proxmox: either username/password or token is required for remote access")
		}
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.HighLoadThreshold <= 0 || c.HighLoadThreshold > 1 {
		return fmt.Errorf("high_load_threshold must be in (0,1]")
	}
	if c.LowLoadThreshold < 0 || c.LowLoadThreshold >= c.HighLoadThreshold {
		return fmt.Errorf("low_load_threshold must be in [0, high_load_threshold)")
	}
	if c.MinBalanceInterval < 0 {
		return fmt.Errorf("min_balance_interval cannot be negative")
	}
	if c.MaxParallelMigrations <= 0 {
		return fmt.Errorf("max_parallel_migrations must be positive")
	}
	if c.OffHours.Start < 0 || c.OffHours.Start > 23 || c.OffHours.End < 0 || c.OffHours.End > 23 {
		return fmt.Errorf("off_hours.start and off_hours.end must be in [0,23]")
	}
	if w := c.ResourceWeights; w.CPU < 0 || w.Memory < 0 || w.Disk < 0 || w.Network < 0 {
		return fmt.Errorf("resource_weights cannot be negative")
	}
	return nil
}

// CheckIntervalDuration returns CheckInterval as a time.Duration.
func (c *Config) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// MinBalanceIntervalDuration returns MinBalanceInterval as a time.Duration.
func (c *Config) MinBalanceIntervalDuration() time.Duration {
	return time.Duration(c.MinBalanceInterval) * time.Second
}

// Redacted returns a copy of c with hypervisor credentials and the API key
// blanked, safe to serve over the management API (GET /api/config).
func (c *Config) Redacted() Config {
	cp := *c
	cp.Proxmox.Password = ""
	cp.Proxmox.Token = ""
	cp.API.APIKey = ""
	return cp
}

// Save writes the config back to path as YAML, applying the renormalization
// rule for resource_weights on every write (spec §6).
func (c *Config) Save(path string) error {
	c.Normalize()
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
