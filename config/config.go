// Package config loads the YAML file shared by hello-client and hello-server.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"hello-connect/codec"
	"hello-connect/hello"
	"hello-connect/loadbalance"
	"hello-connect/message"
	"hello-connect/poller"
	"hello-connect/registry"
)

type Config struct {
	Service  string        `yaml:"service"`
	Method   string        `yaml:"method"`
	Text     string        `yaml:"text"`
	Interval time.Duration `yaml:"interval"`

	Log         LogConfig        `yaml:"log"`
	Registry    RegistryConfig   `yaml:"registry"`
	Resolver    ResolverConfig   `yaml:"resolver"`
	Client      ClientConfig     `yaml:"client"`
	Credentials CredentialConfig `yaml:"credentials"`
	Server      ServerConfig     `yaml:"server"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// RegistryConfig selects etcd discovery. With no endpoints the binaries
// fall back to in-process discovery.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // seconds
}

type ResolverConfig struct {
	Balancer     string                     `yaml:"balancer"`
	CacheSize    int                        `yaml:"cache_size"`
	VersionRange string                     `yaml:"version_range"`
	Static       []registry.ServiceInstance `yaml:"static"`
}

type ClientConfig struct {
	Codec       string        `yaml:"codec"`
	PoolSize    int           `yaml:"pool_size"`
	CallTimeout time.Duration `yaml:"call_timeout"` // 0 waits indefinitely
	RateLimit   float64       `yaml:"rate_limit"`   // calls per second, 0 disables
	RateBurst   int           `yaml:"rate_burst"`
	// Retries re-sends calls that failed with a timeout or a refused
	// connection. The default 0 reports every failure as is.
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type CredentialConfig struct {
	Path string `yaml:"path"` // empty means credential.DefaultPath()
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"` // empty advertises the listener address
	Version   string `yaml:"version"`
	Weight    int    `yaml:"weight"`

	PoolSize  int     `yaml:"pool_size"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `yaml:"rate_burst"`
}

func Default() *Config {
	return &Config{
		Service:  hello.ServiceName,
		Method:   hello.Method,
		Text:     poller.DefaultText,
		Interval: poller.DefaultInterval,
		Log: LogConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			Prefix:      registry.DefaultPrefix,
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Resolver: ResolverConfig{
			Balancer:  loadbalance.RoundRobin,
			CacheSize: 64,
		},
		Client: ClientConfig{
			Codec:        codec.CodecTypeJSON.String(),
			PoolSize:     10000,
			RetryBackoff: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:9090",
			Weight: 1,
		},
	}
}

// Load reads path over the defaults and validates the result. Keys missing
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service == "" {
		return errors.New("service must be set")
	}
	if _, _, err := message.SplitServiceMethod(c.Method); err != nil {
		return errors.Wrap(err, "method")
	}
	if c.Interval <= 0 {
		return errors.Errorf("interval must be positive, got %s", c.Interval)
	}
	if _, err := loadbalance.New(c.Resolver.Balancer); err != nil {
		return err
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		return err
	}
	if c.Client.CallTimeout < 0 {
		return errors.Errorf("call_timeout must not be negative, got %s", c.Client.CallTimeout)
	}
	if c.Client.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", c.Client.Retries)
	}
	if c.Client.RateLimit < 0 || c.Server.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	for _, inst := range c.Resolver.Static {
		if inst.Addr == "" {
			return errors.New("static instance without addr")
		}
	}
	return nil
}
