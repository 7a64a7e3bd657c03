// Package config loads the node configuration from a YAML file and FLEET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node struct {
		Name          string `mapstructure:"name"`
		ListenAddr    string `mapstructure:"listen_addr"`
		AdvertiseAddr string `mapstructure:"advertise_addr"`
		Weight        int    `mapstructure:"weight"`
		LogLevel      string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Cluster struct {
		EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
		Peers         []string      `mapstructure:"peers"` // name=addr, used without etcd
		LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
		DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"cluster"`

	Network struct {
		QueryTimeout      time.Duration `mapstructure:"query_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		Workers           int           `mapstructure:"workers"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"network"`

	Chunk struct {
		Size      int32 `mapstructure:"size"`
		RateLimit int   `mapstructure:"rate_limit"` // bytes per second, 0 = unlimited
	} `mapstructure:"chunk"`

	RPC struct {
		RateLimit      float64       `mapstructure:"rate_limit"` // calls per second, 0 = unlimited
		Burst          int           `mapstructure:"burst"`
		HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	} `mapstructure:"rpc"`

	Template struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"template"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "node-1")
	v.SetDefault("node.listen_addr", ":1410")
	v.SetDefault("node.weight", 1)
	v.SetDefault("node.log_level", "info")

	v.SetDefault("cluster.lease_ttl", 10*time.Second)
	v.SetDefault("cluster.dial_timeout", 5*time.Second)

	v.SetDefault("network.query_timeout", 30*time.Second)
	v.SetDefault("network.heartbeat_interval", 30*time.Second)
	v.SetDefault("network.workers", 0)
	v.SetDefault("network.shutdown_timeout", 10*time.Second)

	v.SetDefault("chunk.size", 50*1024)
	v.SetDefault("chunk.rate_limit", 0)

	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.burst", 100)
	v.SetDefault("rpc.handler_timeout", 30*time.Second)

	v.SetDefault("template.dir", "local/templates")
}

// Load reads path, or only defaults and environment when path is empty.
// Environment variables override the file, e.g. FLEET_NODE_NAME.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("config: node.name is empty"))
	}
	if c.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("config: chunk.size must be positive, got %d", c.Chunk.Size))
	}
	for _, p := range c.Cluster.Peers {
		if _, _, ok := strings.Cut(p, "="); !ok {
			errs = append(errs, fmt.Errorf("config: peer %q is not name=addr", p))
		}
	}
	return errors.Join(errs...)
}

// PeerNodes splits the static peer list into name and address pairs.
func (c *Config) PeerNodes() map[string]string {
	out := make(map[string]string, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if name, addr, ok := strings.Cut(p, "="); ok {
			out[name] = addr
		}
	}
	return out
}
