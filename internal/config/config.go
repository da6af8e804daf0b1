// Package config loads the relay configuration from a TOML file and
// TXRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"txrelay/internal/crypto"
	"txrelay/internal/peer"
	"txrelay/internal/store"
	"txrelay/internal/vault"
)

const (
	DefaultHome            = ".txrelay"
	DefaultRESTAddress     = "http://127.0.0.1:9080"
	DefaultCacheSize       = 1024
	DefaultMetricsInterval = 30 * time.Second
	DefaultRatePerSecond   = 50
	DefaultRateBurst       = 100
	DefaultDirectoryFile   = "directory.jsonl"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Node         NodeConfig         `toml:"node"`
	Keys         []KeyConfig        `toml:"keys"`
	Peers        PeersConfig        `toml:"peers"`
	Directory    []DirectoryEntry   `toml:"directory"`
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Distribution DistributionConfig `toml:"distribution"`
	Vault        VaultConfig        `toml:"vault"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
}

type NodeConfig struct {
	Home string `toml:"home"`
	// MetricsFile is rewritten every MetricsInterval; empty disables it.
	MetricsFile     string        `toml:"metricsFile"`
	MetricsInterval time.Duration `toml:"metricsInterval"`
}

// KeyConfig names a keypair either on disk (Path) or in the vault (VaultID).
type KeyConfig struct {
	Path     string `toml:"path"`
	Password string `toml:"password"`
	VaultID  string `toml:"vaultId"`
}

type PeersConfig struct {
	UseWhiteList bool     `toml:"useWhiteList"`
	URLs         []string `toml:"urls"`
}

// DirectoryEntry maps a recipient public key to the node that holds it.
type DirectoryEntry struct {
	Key string `toml:"key"`
	URL string `toml:"url"`
}

type ServerConfig struct {
	REST RESTConfig `toml:"rest"`
	Unix UnixConfig `toml:"unix"`
	QUIC QUICConfig `toml:"quic"`
}

type RESTConfig struct {
	// Address is an http:// or https:// URL; empty disables the server.
	Address  string `toml:"address"`
	CertFile string `toml:"certFile"`
	KeyFile  string `toml:"keyFile"`
}

type UnixConfig struct {
	Path string `toml:"path"`
}

type QUICConfig struct {
	Address         string `toml:"address"`
	CertFile        string `toml:"certFile"`
	KeyFile         string `toml:"keyFile"`
	CAFile          string `toml:"caFile"`
	Insecure        bool   `toml:"insecure"`
	MaxConnsPerIP   int    `toml:"maxConnsPerIP"`
	MaxStreamsPerIP int    `toml:"maxStreamsPerIP"`
}

type StorageConfig struct {
	Backend         string `toml:"backend"`
	Path            string `toml:"path"`
	CacheSize       int    `toml:"cacheSize"`
	MongoURI        string `toml:"mongoURI"`
	MongoDatabase   string `toml:"mongoDatabase"`
	MongoCollection string `toml:"mongoCollection"`
	// DirectoryFile holds directory entries added with `txrelay-node
	// directory add`; empty means <home>/directory.jsonl.
	DirectoryFile string `toml:"directoryFile"`
}

type DistributionConfig struct {
	MaxAttempts    int           `toml:"maxAttempts"`
	AttemptTimeout time.Duration `toml:"attemptTimeout"`
	BackoffBase    time.Duration `toml:"backoffBase"`
	BackoffMax     time.Duration `toml:"backoffMax"`
	Concurrency    int           `toml:"concurrency"`
}

type VaultConfig struct {
	Type     string `toml:"type"`
	Dir      string `toml:"dir"`
	URL      string `toml:"url"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

type RateLimitConfig struct {
	Disabled  bool    `toml:"disabled"`
	PerSecond float64 `toml:"perSecond"`
	Burst     int     `toml:"burst"`
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Node.Home == "" {
		c.Node.Home = DefaultHome
	}
	if c.Node.MetricsInterval <= 0 {
		c.Node.MetricsInterval = DefaultMetricsInterval
	}
	if c.Server.REST.Address == "" && c.Server.Unix.Path == "" && c.Server.QUIC.Address == "" {
		c.Server.REST.Address = DefaultRESTAddress
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = store.BackendLevelDB
	}
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case store.BackendLevelDB:
			c.Storage.Path = filepath.Join(c.Node.Home, "tx")
		case store.BackendJSONL:
			c.Storage.Path = filepath.Join(c.Node.Home, "tx.jsonl")
		}
	}
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = DefaultCacheSize
	}
	if c.Vault.Type == vault.TypeFile && c.Vault.Dir == "" {
		c.Vault.Dir = filepath.Join(c.Node.Home, "vault")
	}
	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = DefaultRatePerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateBurst
	}
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("TXRELAY_HOME", &c.Node.Home)
	setString("TXRELAY_METRICS_FILE", &c.Node.MetricsFile)
	setString("TXRELAY_REST_ADDR", &c.Server.REST.Address)
	setString("TXRELAY_UNIX_SOCKET", &c.Server.Unix.Path)
	setString("TXRELAY_QUIC_ADDR", &c.Server.QUIC.Address)
	setString("TXRELAY_STORAGE_BACKEND", &c.Storage.Backend)
	setString("TXRELAY_STORAGE_PATH", &c.Storage.Path)
	setString("TXRELAY_MONGO_URI", &c.Storage.MongoURI)
	setString("TXRELAY_VAULT_TYPE", &c.Vault.Type)
	setString("TXRELAY_VAULT_URL", &c.Vault.URL)
	if raw := strings.TrimSpace(os.Getenv("TXRELAY_PEERS")); raw != "" {
		c.Peers.URLs = nil
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Peers.URLs = append(c.Peers.URLs, u)
			}
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TXRELAY_USE_WHITELIST")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: TXRELAY_USE_WHITELIST=%q", ErrInvalid, raw)
		}
		c.Peers.UseWhiteList = v
	}
	if n, ok := envInt("TXRELAY_PUSH_ATTEMPTS"); ok {
		c.Distribution.MaxAttempts = n
	}
	if n, ok := envInt("TXRELAY_MAX_CONNS_PER_IP"); ok {
		c.Server.QUIC.MaxConnsPerIP = n
	}
	if n, ok := envInt("TXRELAY_RATE_BURST"); ok {
		c.RateLimit.Burst = n
	}
	return nil
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate reports the first problem found. Peer URIs and directory keys
// are parsed here so a bad entry stops the node before it serves anything.
func (c *Config) Validate() error {
	if _, err := peer.NewRegistry(c.Peers.URLs, c.Peers.UseWhiteList); err != nil {
		return err
	}
	for i, e := range c.Directory {
		if _, err := crypto.ParsePublicKey(e.Key); err != nil {
			return fmt.Errorf("%w: directory[%d] key: %v", ErrInvalid, i, err)
		}
		if _, err := peer.ParsePeer(e.URL); err != nil {
			return fmt.Errorf("directory[%d]: %w", i, err)
		}
	}
	for i, k := range c.Keys {
		if (k.Path == "") == (k.VaultID == "") {
			return fmt.Errorf("%w: keys[%d] needs exactly one of path or vaultId", ErrInvalid, i)
		}
		if k.VaultID != "" {
			if c.Vault.Type == "" {
				return fmt.Errorf("%w: keys[%d] uses the vault but no vault type is set", ErrInvalid, i)
			}
			if _, err := vault.Identifier(k.VaultID); err != nil {
				return err
			}
		}
	}
	if a := c.Server.REST.Address; a != "" {
		u, err := url.Parse(a)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: server.rest.address %q", ErrInvalid, a)
		}
		if u.Scheme == "https" && (c.Server.REST.CertFile == "" || c.Server.REST.KeyFile == "") {
			return fmt.Errorf("%w: https needs server.rest.certFile and keyFile", ErrInvalid)
		}
	}
	if (c.Server.QUIC.CertFile == "") != (c.Server.QUIC.KeyFile == "") {
		return fmt.Errorf("%w: server.quic certFile and keyFile go together", ErrInvalid)
	}
	switch c.Storage.Backend {
	case store.BackendMemory, store.BackendJSONL, store.BackendLevelDB:
	case store.BackendMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("%w: storage.mongoURI is required for mongo", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
	switch strings.ToLower(c.Vault.Type) {
	case "", vault.TypeFile, vault.TypeAWS:
	case vault.TypeAzure:
		if c.Vault.URL == "" {
			return fmt.Errorf("%w: vault.url is required for azure", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown vault type %q", ErrInvalid, c.Vault.Type)
	}
	d := c.Distribution
	if d.MaxAttempts < 0 || d.AttemptTimeout < 0 || d.BackoffBase < 0 || d.BackoffMax < 0 || d.Concurrency < 0 {
		return fmt.Errorf("%w: distribution values must not be negative", ErrInvalid)
	}
	return nil
}

// StorageOptions converts the storage section for store.OpenKV.
func (c *Config) StorageOptions() store.BackendOptions {
	return store.BackendOptions{
		Backend:         c.Storage.Backend,
		Path:            c.Storage.Path,
		MongoURI:        c.Storage.MongoURI,
		MongoDatabase:   c.Storage.MongoDatabase,
		MongoCollection: c.Storage.MongoCollection,
	}
}

func (c *Config) VaultOptions() vault.Options {
	return vault.Options{
		Type:     c.Vault.Type,
		Dir:      c.Vault.Dir,
		URL:      c.Vault.URL,
		Region:   c.Vault.Region,
		Endpoint: c.Vault.Endpoint,
	}
}

func (c *Config) DirectoryPath() string {
	if c.Storage.DirectoryFile != "" {
		return c.Storage.DirectoryFile
	}
	return filepath.Join(c.Node.Home, DefaultDirectoryFile)
}

// DirectoryEntries parses the static directory.
func (c *Config) DirectoryEntries() ([]peer.Entry, error) {
	out := make([]peer.Entry, 0, len(c.Directory))
	for _, e := range c.Directory {
		k, err := crypto.ParsePublicKey(e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, peer.Entry{Key: k, URL: e.URL})
	}
	return out, nil
}
