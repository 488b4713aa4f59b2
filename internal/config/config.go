// Package config loads conf.yml and applies FOG_* environment overrides.
// Every yaml parameter maps to FOG_<SECTION>_<PARAM>, so deployments can ship
// one file and tweak single values per node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/FayzaCH/fog-server/internal/selection"
)

const (
	DefaultTimeout = time.Second
	DefaultRetries = 3
	DefaultPeriod  = time.Second
	MinSamples     = 2
)

// Duration accepts either a Go duration string ("1s", "500ms") or a bare
// number of seconds, which is how the yaml file was historically written.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err == nil {
		*d = Duration(f * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(dd), nil
}

type Orchestrator struct {
	APIAddr       string  `yaml:"api_addr"`
	UDPPort       int     `yaml:"udp_port"`
	Paths         bool    `yaml:"paths"`
	MaxPaths      int     `yaml:"max_paths"`
	NodeAlgorithm string  `yaml:"node_algorithm"`
	PathAlgorithm string  `yaml:"path_algorithm"`
	PathWeight    string  `yaml:"path_weight"`
	HostThreshold float64 `yaml:"host_threshold"`
	Workers       int     `yaml:"workers"`
}

type Protocol struct {
	Timeout Duration `yaml:"timeout"`
	Retries int      `yaml:"retries"`
}

type Network struct {
	STPEnabled bool     `yaml:"stp_enabled"`
	ARPRefresh Duration `yaml:"arp_refresh"`
}

type Monitor struct {
	Period  Duration `yaml:"period"`
	Samples int      `yaml:"samples"`
}

type Store struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type Queue struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

type API struct {
	AuthToken string `yaml:"auth_token"`
}

type Archive struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Protocol     Protocol     `yaml:"protocol"`
	Network      Network      `yaml:"network"`
	Monitor      Monitor      `yaml:"monitor"`
	Store        Store        `yaml:"store"`
	Queue        Queue        `yaml:"queue"`
	API          API          `yaml:"api"`
	Archive      Archive      `yaml:"archive"`
}

func defaults() Config {
	return Config{
		Orchestrator: Orchestrator{
			APIAddr:       ":8080",
			UDPPort:       7070,
			MaxPaths:      10,
			NodeAlgorithm: selection.SimpleNode,
			PathAlgorithm: selection.DijkstraPath,
			HostThreshold: 0.1,
			Workers:       4,
		},
		Protocol: Protocol{Timeout: Duration(DefaultTimeout), Retries: DefaultRetries},
		Network:  Network{ARPRefresh: Duration(time.Minute)},
		Monitor:  Monitor{Period: Duration(DefaultPeriod), Samples: MinSamples},
		Store:    Store{Backend: "memory"},
		Queue:    Queue{Backend: "memory", RedisKey: "fog:requests"},
	}
}

// Load reads path (optional) and applies environment overrides. A missing
// file is not an error; an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("FOG_ORCHESTRATOR_API_ADDR", &cfg.Orchestrator.APIAddr)
	envInt("FOG_ORCHESTRATOR_UDP_PORT", &cfg.Orchestrator.UDPPort)
	envBool("FOG_ORCHESTRATOR_PATHS", &cfg.Orchestrator.Paths)
	envInt("FOG_ORCHESTRATOR_MAX_PATHS", &cfg.Orchestrator.MaxPaths)
	envString("FOG_ORCHESTRATOR_NODE_ALGORITHM", &cfg.Orchestrator.NodeAlgorithm)
	envString("FOG_ORCHESTRATOR_PATH_ALGORITHM", &cfg.Orchestrator.PathAlgorithm)
	envString("FOG_ORCHESTRATOR_PATH_WEIGHT", &cfg.Orchestrator.PathWeight)
	envFloat("FOG_ORCHESTRATOR_HOST_THRESHOLD", &cfg.Orchestrator.HostThreshold)
	envInt("FOG_ORCHESTRATOR_WORKERS", &cfg.Orchestrator.Workers)

	envDuration("FOG_PROTOCOL_TIMEOUT", &cfg.Protocol.Timeout)
	envInt("FOG_PROTOCOL_RETRIES", &cfg.Protocol.Retries)

	envBool("FOG_NETWORK_STP_ENABLED", &cfg.Network.STPEnabled)
	envDuration("FOG_NETWORK_ARP_REFRESH", &cfg.Network.ARPRefresh)

	envDuration("FOG_MONITOR_PERIOD", &cfg.Monitor.Period)
	envInt("FOG_MONITOR_SAMPLES", &cfg.Monitor.Samples)

	envString("FOG_STORE_BACKEND", &cfg.Store.Backend)
	envString("FOG_STORE_POSTGRES_DSN", &cfg.Store.PostgresDSN)

	envString("FOG_QUEUE_BACKEND", &cfg.Queue.Backend)
	envString("FOG_QUEUE_REDIS_ADDR", &cfg.Queue.RedisAddr)
	envString("FOG_QUEUE_REDIS_PASSWORD", &cfg.Queue.RedisPassword)
	envInt("FOG_QUEUE_REDIS_DB", &cfg.Queue.RedisDB)
	envString("FOG_QUEUE_REDIS_KEY", &cfg.Queue.RedisKey)

	envString("FOG_API_AUTH_TOKEN", &cfg.API.AuthToken)

	envBool("FOG_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	envString("FOG_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	envString("FOG_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	envString("FOG_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	envString("FOG_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	envBool("FOG_ARCHIVE_SECURE", &cfg.Archive.Secure)
}

func (c *Config) validate() error {
	c.Orchestrator.NodeAlgorithm = strings.ToUpper(c.Orchestrator.NodeAlgorithm)
	c.Orchestrator.PathAlgorithm = strings.ToUpper(c.Orchestrator.PathAlgorithm)
	c.Orchestrator.PathWeight = strings.ToUpper(c.Orchestrator.PathWeight)

	switch c.Orchestrator.NodeAlgorithm {
	case selection.SimpleNode:
	default:
		logrus.Warnf("unknown node algorithm %q, defaulting to %s", c.Orchestrator.NodeAlgorithm, selection.SimpleNode)
		c.Orchestrator.NodeAlgorithm = selection.SimpleNode
	}
	switch c.Orchestrator.PathAlgorithm {
	case selection.DijkstraPath, selection.LeastCostPath:
	default:
		logrus.Warnf("unknown path algorithm %q, defaulting to %s", c.Orchestrator.PathAlgorithm, selection.DijkstraPath)
		c.Orchestrator.PathAlgorithm = selection.DijkstraPath
	}
	if c.Orchestrator.PathWeight == "" {
		if c.Orchestrator.PathAlgorithm == selection.LeastCostPath {
			c.Orchestrator.PathWeight = selection.CostWeight
		} else {
			c.Orchestrator.PathWeight = selection.HopWeight
		}
	}
	if !selection.ValidWeight(c.Orchestrator.PathAlgorithm, c.Orchestrator.PathWeight) {
		return fmt.Errorf("path weight %s does not apply to algorithm %s",
			c.Orchestrator.PathWeight, c.Orchestrator.PathAlgorithm)
	}
	if c.Orchestrator.Paths && c.Network.STPEnabled {
		return fmt.Errorf("orchestrator paths and spanning tree cannot both be enabled")
	}
	if c.Protocol.Timeout <= 0 {
		logrus.Warnf("protocol timeout invalid, defaulting to %s", DefaultTimeout)
		c.Protocol.Timeout = Duration(DefaultTimeout)
	}
	if c.Protocol.Retries < 0 {
		logrus.Warnf("protocol retries invalid, defaulting to %d", DefaultRetries)
		c.Protocol.Retries = DefaultRetries
	}
	if c.Monitor.Period <= 0 {
		logrus.Warnf("monitor period invalid, defaulting to %s", DefaultPeriod)
		c.Monitor.Period = Duration(DefaultPeriod)
	}
	if c.Monitor.Samples < MinSamples {
		logrus.Warnf("monitor samples cannot be less than %d, clamping", MinSamples)
		c.Monitor.Samples = MinSamples
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			logrus.Warnf("%s invalid: %v", key, err)
			return
		}
		*dst = n
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logrus.Warnf("%s invalid: %v", key, err)
			return
		}
		*dst = f
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			logrus.Warnf("%s invalid: %v", key, err)
			return
		}
		*dst = b
	}
}

func envDuration(key string, dst *Duration) {
	if v, ok := os.LookupEnv(key); ok {
		d, err := parseDuration(v)
		if err != nil {
			logrus.Warnf("%s invalid: %v", key, err)
			return
		}
		*dst = d
	}
}
