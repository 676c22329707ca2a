package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/xeptore/streamgate/redact"
	"github.com/xeptore/streamgate/unit"
)

type Config struct {
	Log      Log      `yaml:"log"`
	Upstream Upstream `yaml:"upstream"`
	Cache    Cache    `yaml:"cache"`
	Store    Store    `yaml:"store"`
	Metadata Metadata `yaml:"metadata"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("upstream", c.Upstream.ToDict()).
		Dict("cache", c.Cache.ToDict()).
		Dict("store", c.Store.ToDict()).
		Dict("metadata", c.Metadata.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Upstream.setDefaults()
	c.Cache.setDefaults()
	c.Store.setDefaults()
	c.Metadata.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Upstream.validate(); nil != err {
		return fmt.Errorf("upstream config validation failed: %v", err)
	}

	if err := c.Cache.validate(); nil != err {
		return fmt.Errorf("cache config validation failed: %v", err)
	}

	if err := c.Store.validate(); nil != err {
		return fmt.Errorf("store config validation failed: %v", err)
	}

	if err := c.Metadata.validate(); nil != err {
		return fmt.Errorf("metadata config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

type Upstream struct {
	APIKey         string           `yaml:"-"`
	PlayerURL      string           `yaml:"player_url"`
	IdentityURL    string           `yaml:"identity_url"`
	WarmupURL      string           `yaml:"warmup_url"`
	ProofURL       string           `yaml:"proof_url"`
	MetadataURL    string           `yaml:"metadata_url"`
	Quality        string           `yaml:"quality"`
	MeteredSavings bool             `yaml:"metered_savings"`
	RatePerSecond  float64          `yaml:"rate_per_second"`
	RateBurst      int              `yaml:"rate_burst"`
	Timeouts       UpstreamTimeouts `yaml:"timeouts"`
}

func (c *Upstream) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("api_key", redact.String(c.APIKey)).
		Str("player_url", c.PlayerURL).
		Str("identity_url", c.IdentityURL).
		Str("warmup_url", c.WarmupURL).
		Str("proof_url", c.ProofURL).
		Str("metadata_url", c.MetadataURL).
		Str("quality", c.Quality).
		Bool("metered_savings", c.MeteredSavings).
		Float64("rate_per_second", c.RatePerSecond).
		Int("rate_burst", c.RateBurst).
		Dict("timeouts", c.Timeouts.ToDict())
}

func (c *Upstream) setDefaults() {
	if c.Quality == "" {
		c.Quality = "auto"
	}

	if c.RateBurst == 0 {
		c.RateBurst = 4
	}

	c.Timeouts.setDefaults()
}

func (c *Upstream) validate() error {
	if c.APIKey == "" {
		return errors.New("make sure the UPSTREAM_API_KEY environment variable is set")
	}

	for _, u := range []struct {
		name  string
		value string
	}{
		{name: "player_url", value: c.PlayerURL},
		{name: "identity_url", value: c.IdentityURL},
		{name: "warmup_url", value: c.WarmupURL},
		{name: "proof_url", value: c.ProofURL},
		{name: "metadata_url", value: c.MetadataURL},
	} {
		if u.value == "" {
			return fmt.Errorf("%s is required", u.name)
		}

		if _, err := url.Parse(u.value); nil != err {
			return fmt.Errorf("%s is not a valid URL: %v", u.name, err)
		}
	}

	if !slices.Contains([]string{"auto", "low", "medium", "high"}, c.Quality) {
		return fmt.Errorf("quality must be one of: auto, low, medium, high, got: %s", c.Quality)
	}

	if c.RatePerSecond < 0 {
		return errors.New("rate_per_second must be greater than 0")
	}

	if c.RateBurst < 0 {
		return errors.New("rate_burst must be greater than 0")
	}

	if err := c.Timeouts.validate(); nil != err {
		return fmt.Errorf("timeouts config validation failed: %v", err)
	}

	return nil
}

type UpstreamTimeouts struct {
	PlayerRequest     int `yaml:"player_request"`
	IdentityHandshake int `yaml:"identity_handshake"`
	ProofExchange     int `yaml:"proof_exchange"`
	MetadataFetch     int `yaml:"metadata_fetch"`
	StreamFetch       int `yaml:"stream_fetch"`
}

func (c *UpstreamTimeouts) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("player_request", c.PlayerRequest).
		Int("identity_handshake", c.IdentityHandshake).
		Int("proof_exchange", c.ProofExchange).
		Int("metadata_fetch", c.MetadataFetch).
		Int("stream_fetch", c.StreamFetch)
}

func (c *UpstreamTimeouts) setDefaults() {
	if c.PlayerRequest == 0 {
		c.PlayerRequest = 10
	}

	if c.IdentityHandshake == 0 {
		c.IdentityHandshake = 10
	}

	if c.ProofExchange == 0 {
		c.ProofExchange = 10
	}

	if c.MetadataFetch == 0 {
		c.MetadataFetch = 5
	}

	if c.StreamFetch == 0 {
		c.StreamFetch = 60
	}
}

func (c *UpstreamTimeouts) validate() error {
	if c.PlayerRequest < 0 {
		return errors.New("player_request must be greater than 0")
	}

	if c.IdentityHandshake < 0 {
		return errors.New("identity_handshake must be greater than 0")
	}

	if c.ProofExchange < 0 {
		return errors.New("proof_exchange must be greater than 0")
	}

	if c.MetadataFetch < 0 {
		return errors.New("metadata_fetch must be greater than 0")
	}

	if c.StreamFetch < 0 {
		return errors.New("stream_fetch must be greater than 0")
	}

	return nil
}

type Cache struct {
	MaxBytes              int64 `yaml:"max_bytes"`
	ChunkBytes            int64 `yaml:"chunk_bytes"`
	IgnoreFetchErrors     bool  `yaml:"ignore_fetch_errors"`
	UnreachableTTLSeconds int   `yaml:"unreachable_ttl_seconds"`
}

func (c *Cache) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int64("max_bytes", c.MaxBytes).
		Int64("chunk_bytes", c.ChunkBytes).
		Bool("ignore_fetch_errors", c.IgnoreFetchErrors).
		Int("unreachable_ttl_seconds", c.UnreachableTTLSeconds)
}

func (c *Cache) setDefaults() {
	if c.MaxBytes == 0 {
		c.MaxBytes = 256 * unit.Mebibyte
	}

	if c.ChunkBytes == 0 {
		c.ChunkBytes = 1 * unit.Mebibyte
	}

	if c.UnreachableTTLSeconds == 0 {
		c.UnreachableTTLSeconds = 30
	}
}

func (c *Cache) validate() error {
	if c.MaxBytes < 0 {
		return errors.New("max_bytes must be greater than 0")
	}

	if c.ChunkBytes < 0 {
		return errors.New("chunk_bytes must be greater than 0")
	}

	if c.ChunkBytes > c.MaxBytes {
		return errors.New("chunk_bytes must not exceed max_bytes")
	}

	if c.UnreachableTTLSeconds < 0 {
		return errors.New("unreachable_ttl_seconds must be greater than 0")
	}

	return nil
}

type Store struct {
	Dir string `yaml:"dir"`
}

func (c *Store) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("dir", c.Dir)
}

func (c *Store) setDefaults() {
	if c.Dir == "" {
		c.Dir = "./downloads"
	}
}

func (c *Store) validate() error {
	if i, err := os.Stat(c.Dir); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("dir does not exist")
		}

		return fmt.Errorf("failed to stat dir: %v", err)
	} else if !i.IsDir() {
		return errors.New("dir must be a directory")
	}

	return nil
}

type Metadata struct {
	DBPath string `yaml:"db_path"`
}

func (c *Metadata) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("db_path", c.DBPath)
}

func (c *Metadata) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = "metadata.db"
	}
}

func (c *Metadata) validate() error {
	return nil
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(lo.Ternary(len(filename) > 0, filename, "config.yaml"))
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}

	conf.Upstream.APIKey = os.Getenv("UPSTREAM_API_KEY")
	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}
