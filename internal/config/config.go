// Package config holds runtime settings for a mesh node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMeshPort            = 45678
	DefaultDiscoveryPort       = 45679
	DefaultBroadcastInterval   = 2 * time.Second
	DefaultMaintenanceInterval = 5 * time.Second
	DefaultDialTimeout         = 5 * time.Second
	DefaultSeenCapacity        = 1000
	DefaultSendQueue           = 64
	DefaultLogFile             = "meshchat.log"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	MeshPort            int // TCP; 0 picks an ephemeral port
	DiscoveryPort       int // UDP
	BroadcastInterval   time.Duration
	MaintenanceInterval time.Duration
	DialTimeout         time.Duration
	SeenCapacity        int
	SendQueue           int // records buffered per connection
	Discovery           bool

	IdentityFile  string
	LogFile       string // used by the terminal UI
	Debug         bool
	MetricsAddr   string // empty disables /metrics
	EtcdEndpoints []string
}

func Default() Config {
	return Config{
		MeshPort:            DefaultMeshPort,
		DiscoveryPort:       DefaultDiscoveryPort,
		BroadcastInterval:   DefaultBroadcastInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		DialTimeout:         DefaultDialTimeout,
		SeenCapacity:        DefaultSeenCapacity,
		SendQueue:           DefaultSendQueue,
		Discovery:           true,
		IdentityFile:        DefaultIdentityFile(),
		LogFile:             DefaultLogFile,
	}
}

// DefaultIdentityFile is ~/.meshchat_id, or a file in the working directory
// when no home directory is known.
func DefaultIdentityFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshchat_id"
	}
	return filepath.Join(home, ".meshchat_id")
}

// FromEnv applies MESHCHAT_* environment overrides on top of base.
func FromEnv(base Config) (Config, error) {
	c := base
	var err error
	if c.MeshPort, err = envInt("MESHCHAT_MESH_PORT", c.MeshPort); err != nil {
		return base, err
	}
	if c.DiscoveryPort, err = envInt("MESHCHAT_DISCOVERY_PORT", c.DiscoveryPort); err != nil {
		return base, err
	}
	if c.BroadcastInterval, err = envDuration("MESHCHAT_BROADCAST_INTERVAL", c.BroadcastInterval); err != nil {
		return base, err
	}
	if c.MaintenanceInterval, err = envDuration("MESHCHAT_MAINTENANCE_INTERVAL", c.MaintenanceInterval); err != nil {
		return base, err
	}
	if c.DialTimeout, err = envDuration("MESHCHAT_DIAL_TIMEOUT", c.DialTimeout); err != nil {
		return base, err
	}
	if c.SeenCapacity, err = envInt("MESHCHAT_SEEN_CAPACITY", c.SeenCapacity); err != nil {
		return base, err
	}
	if c.SendQueue, err = envInt("MESHCHAT_SEND_QUEUE", c.SendQueue); err != nil {
		return base, err
	}
	if c.Discovery, err = envBool("MESHCHAT_DISCOVERY", c.Discovery); err != nil {
		return base, err
	}
	if c.Debug, err = envBool("MESHCHAT_DEBUG", c.Debug); err != nil {
		return base, err
	}
	if v := os.Getenv("MESHCHAT_ID_FILE"); v != "" {
		c.IdentityFile = v
	}
	if v := os.Getenv("MESHCHAT_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("MESHCHAT_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("MESHCHAT_ETCD_ENDPOINTS"); v != "" {
		c.EtcdEndpoints = SplitList(v)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.MeshPort < 0 || c.MeshPort > 65535 {
		return fmt.Errorf("%w: mesh port %d", ErrInvalid, c.MeshPort)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%w: discovery port %d", ErrInvalid, c.DiscoveryPort)
	}
	if c.Discovery && c.MeshPort == c.DiscoveryPort {
		return fmt.Errorf("%w: mesh and discovery share port %d", ErrInvalid, c.MeshPort)
	}
	if c.BroadcastInterval <= 0 || c.MaintenanceInterval <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("%w: intervals and timeouts must be positive", ErrInvalid)
	}
	if c.SeenCapacity <= 0 {
		return fmt.Errorf("%w: seen capacity %d", ErrInvalid, c.SeenCapacity)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("%w: send queue %d", ErrInvalid, c.SendQueue)
	}
	return nil
}

// SplitList splits a comma-separated value, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return b, nil
}

// envDuration accepts Go durations ("1500ms") or whole seconds ("3").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return d, nil
}
