package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/baderanaas/GoLobby/pkg/advert"
	"github.com/hashicorp/go-version"
	"github.com/joho/godotenv"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEnvPrefix = "GOLOBBY_"
	DefaultTopic     = "golobby-lobby/1"
	ProtocolVersion  = "1.2.0"

	BackendEmbedded = "embedded"
	BackendKubo     = "kubo"

	MinPort = 1024
	MaxPort = 65535
)

// Config represents the node configuration
type Config struct {
	DataDir         string `yaml:"data_dir"`
	Backend         string `yaml:"backend"`
	ListenPort      int    `yaml:"listen_port"`
	Topic           string `yaml:"topic"`
	ProtocolVersion string `yaml:"protocol_version"`
	FriendsFile     string `yaml:"friends_file"`
	MetricsAddr     string `yaml:"metrics_addr"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	// Bootstrap lists /p2p multiaddrs of lobby peers for the embedded
	// backend.
	Bootstrap []string `yaml:"bootstrap"`

	// Users are the local user ids currently in the hosted session. Only
	// salted fingerprints of them are ever broadcast.
	Users []string    `yaml:"users"`
	World WorldConfig `yaml:"world"`

	Advertisement AdvertisementConfig `yaml:"advertisement"`
	Presence      PresenceConfig      `yaml:"presence"`
	Policy        PolicyConfig        `yaml:"policy"`
	Kubo          KuboConfig          `yaml:"kubo"`
}

// WorldConfig describes the world this node currently hosts.
type WorldConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Content []string `yaml:"content"`
}

// AdvertisementConfig is the source of the node's advertisement document.
type AdvertisementConfig struct {
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Icon         string        `yaml:"icon"`
	Rating       []string      `yaml:"rating"`
	Permissions  []string      `yaml:"permissions"`
	CustomNotice bool          `yaml:"custom_notice"`
	Admins       []string      `yaml:"admins"`
	MinVersion   string        `yaml:"min_version"`
	Interval     time.Duration `yaml:"interval"`
}

// PresenceConfig holds the beacon and subscription timings.
type PresenceConfig struct {
	AnnounceRefreshTime time.Duration `yaml:"announce_refresh_time"`
	ListenRefreshTime   time.Duration `yaml:"listen_refresh_time"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	OnlineWindow        time.Duration `yaml:"online_window"`
	RecencyCutoff       time.Duration `yaml:"recency_cutoff"`
	MaxFetches          int           `yaml:"max_fetches"`
	Firewalled          bool          `yaml:"firewalled"`
}

// PolicyConfig is the local acceptance policy used by rendezvous.
type PolicyConfig struct {
	Prefer            []string `yaml:"prefer"`
	Avoid             []string `yaml:"avoid"`
	AllowCustomNotice bool     `yaml:"allow_custom_notice"`
}

// KuboConfig controls the external overlay daemon.
type KuboConfig struct {
	Executable     string        `yaml:"executable"`
	RepoPath       string        `yaml:"repo_path"`
	APIHost        string        `yaml:"api_host"`
	APIPort        int           `yaml:"api_port"`
	SwarmPort      int           `yaml:"swarm_port"`
	APIPortRange   PortRange     `yaml:"api_port_range"`
	SwarmPortRange PortRange     `yaml:"swarm_port_range"`
	BannedPorts    []int         `yaml:"banned_ports"`
	VerifyAttempts int           `yaml:"verify_attempts"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	SettleTime     time.Duration `yaml:"settle_time"`
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Default returns the configuration used for every field not set elsewhere.
func Default() Config {
	dataDir := ".golobby"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".golobby")
	}
	return Config{
		DataDir:         dataDir,
		Backend:         BackendEmbedded,
		Topic:           DefaultTopic,
		ProtocolVersion: ProtocolVersion,
		LogLevel:        "info",
		LogFormat:       "text",
		Advertisement: AdvertisementConfig{
			Name:       "GoLobby host",
			MinVersion: ProtocolVersion,
			Interval:   10 * time.Minute,
		},
		Presence: PresenceConfig{
			AnnounceRefreshTime: 60 * time.Second,
			ListenRefreshTime:   5 * time.Minute,
			FetchTimeout:        20 * time.Second,
			OnlineWindow:        3 * time.Minute,
			RecencyCutoff:       7 * 24 * time.Hour,
			MaxFetches:          8,
		},
		Kubo: KuboConfig{
			Executable:     "ipfs",
			APIHost:        "127.0.0.1",
			APIPort:        5001,
			SwarmPort:      4001,
			APIPortRange:   PortRange{Min: 45000, Max: 45999},
			SwarmPortRange: PortRange{Min: 46000, Max: 46999},
			VerifyAttempts: 5,
			VerifyInterval: time.Second,
			SettleTime:     3 * time.Second,
		},
	}
}

// Load reads the YAML file at path (optional), fills unset fields from
// Default and applies GOLOBBY_* environment overrides.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()
	if err := cfg.applyEnv(loader); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(loader *EnvLoader) error {
	var err error

	c.DataDir = loader.GetString("DATA_DIR", c.DataDir)
	if c.Backend, err = loader.GetStringValidated("BACKEND", c.Backend, ValidateBackend); err != nil {
		return err
	}
	if c.ListenPort, err = loader.GetInt("LISTEN_PORT", c.ListenPort); err != nil {
		return err
	}
	c.Topic = loader.GetString("TOPIC", c.Topic)
	c.FriendsFile = loader.GetString("FRIENDS_FILE", c.FriendsFile)
	c.MetricsAddr = loader.GetString("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = loader.GetString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = loader.GetString("LOG_FORMAT", c.LogFormat)
	c.Users = loader.GetList("USERS", c.Users)
	c.Bootstrap = loader.GetList("BOOTSTRAP", c.Bootstrap)

	c.World.ID = loader.GetString("WORLD_ID", c.World.ID)
	c.World.Name = loader.GetString("WORLD_NAME", c.World.Name)

	c.Advertisement.Name = loader.GetString("AD_NAME", c.Advertisement.Name)
	c.Advertisement.Description = loader.GetString("AD_DESCRIPTION", c.Advertisement.Description)
	c.Advertisement.Admins = loader.GetList("AD_ADMINS", c.Advertisement.Admins)

	if c.Presence.AnnounceRefreshTime, err = loader.GetDuration("ANNOUNCE_REFRESH_TIME", c.Presence.AnnounceRefreshTime); err != nil {
		return err
	}
	if c.Presence.ListenRefreshTime, err = loader.GetDuration("LISTEN_REFRESH_TIME", c.Presence.ListenRefreshTime); err != nil {
		return err
	}
	c.Presence.Firewalled = loader.GetBool("FIREWALLED", c.Presence.Firewalled)

	c.Policy.AllowCustomNotice = loader.GetBool("ALLOW_CUSTOM_NOTICE", c.Policy.AllowCustomNotice)
	c.Policy.Prefer = loader.GetList("PREFER", c.Policy.Prefer)
	c.Policy.Avoid = loader.GetList("AVOID", c.Policy.Avoid)

	c.Kubo.Executable = loader.GetString("KUBO_EXECUTABLE", c.Kubo.Executable)
	c.Kubo.RepoPath = loader.GetString("KUBO_REPO", c.Kubo.RepoPath)
	if c.Kubo.APIPort, err = loader.GetInt("KUBO_API_PORT", c.Kubo.APIPort); err != nil {
		return err
	}
	if c.Kubo.SwarmPort, err = loader.GetInt("KUBO_SWARM_PORT", c.Kubo.SwarmPort); err != nil {
		return err
	}
	if c.Kubo.BannedPorts, err = loader.GetIntList("KUBO_BANNED_PORTS", c.Kubo.BannedPorts); err != nil {
		return err
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if err := ValidateBackend(c.Backend); err != nil {
		return err
	}
	if c.ListenPort < 0 || c.ListenPort > MaxPort {
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if _, err := c.BootstrapPeers(); err != nil {
		return err
	}
	if _, err := version.NewVersion(c.ProtocolVersion); err != nil {
		return fmt.Errorf("invalid protocol version: %w", err)
	}
	if c.Advertisement.MinVersion != "" {
		if _, err := version.NewVersion(c.Advertisement.MinVersion); err != nil {
			return fmt.Errorf("invalid advertisement min version: %w", err)
		}
	}
	if c.Advertisement.Interval <= 0 {
		return fmt.Errorf("advertisement interval must be positive")
	}

	for name, names := range map[string][]string{
		"advertisement rating": c.Advertisement.Rating,
		"policy prefer":        c.Policy.Prefer,
		"policy avoid":         c.Policy.Avoid,
		"world content":        c.World.Content,
	} {
		if _, err := advert.ParseContent(names); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if _, err := advert.ParsePermissions(c.Advertisement.Permissions); err != nil {
		return fmt.Errorf("invalid advertisement permissions: %w", err)
	}

	p := c.Presence
	if p.AnnounceRefreshTime <= 0 || p.ListenRefreshTime <= 0 || p.FetchTimeout <= 0 || p.OnlineWindow <= 0 {
		return fmt.Errorf("presence timings must be positive")
	}
	if p.MaxFetches <= 0 {
		return fmt.Errorf("max fetches must be positive")
	}

	if c.Backend == BackendKubo {
		if err := c.Kubo.validate(); err != nil {
			return fmt.Errorf("kubo: %w", err)
		}
	}
	return nil
}

func (k *KuboConfig) validate() error {
	if k.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if k.APIPort <= 0 || k.APIPort > MaxPort || k.SwarmPort <= 0 || k.SwarmPort > MaxPort {
		return fmt.Errorf("api and swarm ports are required")
	}
	for _, r := range []PortRange{k.APIPortRange, k.SwarmPortRange} {
		if r.Min >= r.Max {
			return fmt.Errorf("invalid port range: min port must be less than max port")
		}
		if r.Min < MinPort || r.Max > MaxPort {
			return fmt.Errorf("port range must be between %d and %d", MinPort, MaxPort)
		}
	}
	if k.APIPortRange.Min <= k.SwarmPortRange.Max && k.SwarmPortRange.Min <= k.APIPortRange.Max {
		return fmt.Errorf("api and swarm port ranges must be disjoint")
	}
	if k.VerifyAttempts <= 0 {
		return fmt.Errorf("verify attempts must be positive")
	}
	return nil
}

// BootstrapPeers parses the bootstrap multiaddrs.
func (c *Config) BootstrapPeers() ([]peer.AddrInfo, error) {
	peers := make([]peer.AddrInfo, 0, len(c.Bootstrap))
	for _, s := range c.Bootstrap {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q has no peer id: %w", s, err)
		}
		peers = append(peers, *info)
	}
	return peers, nil
}

// IdentityDir is where the node keeps its signing key.
func (c *Config) IdentityDir() string {
	return c.DataDir
}

// DirectoryDir is the root of the on-disk directory cache.
func (c *Config) DirectoryDir() string {
	return filepath.Join(c.DataDir, "directory")
}

// BlocksDir is the embedded overlay's block store.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.DataDir, "blocks")
}

// FriendsPath returns the friends file, defaulting into the data dir.
func (c *Config) FriendsPath() string {
	if c.FriendsFile != "" {
		return c.FriendsFile
	}
	return filepath.Join(c.DataDir, "friends.json")
}
