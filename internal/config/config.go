package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/utils"
	"gopkg.in/yaml.v2"
)

const DefaultPath = "config.json"

type RedisConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	Password     string `json:"password" yaml:"password"`
	Database     int    `json:"database" yaml:"database"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	PoolSize     int    `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `json:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  string `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

type MongoConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	Collection         string `json:"collection" yaml:"collection"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

type StorageConfig struct {
	// Driver is one of "redis", "mongo" or "memory".
	Driver           string      `json:"driver" yaml:"driver"`
	OperationTimeout string      `json:"operation_timeout" yaml:"operation_timeout"`
	Redis            RedisConfig `json:"redis" yaml:"redis"`
	Mongo            MongoConfig `json:"mongo" yaml:"mongo"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type UserConfig struct {
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
}

type AuthConfig struct {
	Users []UserConfig `json:"users" yaml:"users"`
}

type Config struct {
	AppName           string        `json:"app_name" yaml:"app_name"`
	DebugMode         bool          `json:"debug_mode" yaml:"debug_mode"`
	LogDir            string        `json:"log_dir" yaml:"log_dir"`
	Port              int           `json:"port" yaml:"port"`
	MaxConnections    int           `json:"max_connections" yaml:"max_connections"`
	ConnectRate       float64       `json:"connect_rate" yaml:"connect_rate"`
	WorkerNum         int           `json:"worker_num" yaml:"worker_num"`
	TaskWorkerNum     int           `json:"task_worker_num" yaml:"task_worker_num"`
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	KeepAliveInterval string        `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	MessageIDExpiry   string        `json:"message_id_expiry" yaml:"message_id_expiry"`
	WriteTimeout      string        `json:"write_timeout" yaml:"write_timeout"`
	Storage           StorageConfig `json:"storage" yaml:"storage"`
	Metrics           MetricsConfig `json:"metrics" yaml:"metrics"`
	Auth              AuthConfig    `json:"auth" yaml:"auth"`
}

// DefaultConfig mirrors the stock deployment: Redis on localhost, port 1883.
func DefaultConfig() *Config {
	return &Config{
		AppName:           "life-stream-mqtt-broker",
		LogDir:            "logs",
		Port:              1883,
		MaxConnections:    10000,
		WorkerNum:         2,
		TaskWorkerNum:     2,
		QueueSize:         1024,
		KeepAliveInterval: "5s",
		MessageIDExpiry:   "30s",
		WriteTimeout:      "10s",
		Storage: StorageConfig{
			Driver:           "redis",
			OperationTimeout: "5s",
			Redis: RedisConfig{
				Host:     "127.0.0.1",
				Port:     6379,
				Prefix:   "mqtt_",
				PoolSize: 16,
			},
			Mongo: MongoConfig{
				Host:           "127.0.0.1",
				Port:           27017,
				Database:       "mqtt",
				Collection:     "broker_store",
				ConnectTimeout: "10s",
				SocketTimeout:  "30s",
				MaxPoolSize:    32,
			},
		},
		Metrics: MetricsConfig{Port: 9100},
	}
}

// ReadConfig loads the file at path. A missing file is created with the
// defaults and reported as an error so the operator can edit it first.
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		if werr := writeConfig(cfg, path); werr != nil {
			return nil, fmt.Errorf("the configuration file does not exist and could not be created: %w", werr)
		}
		return nil, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bytes, cfg)
	default:
		err = json.Unmarshal(bytes, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid data: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.WorkerNum <= 0 || c.TaskWorkerNum <= 0 {
		return fmt.Errorf("worker_num and task_worker_num must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	switch c.Storage.Driver {
	case "redis", "mongo", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	for _, field := range []string{c.KeepAliveInterval, c.MessageIDExpiry, c.WriteTimeout, c.Storage.OperationTimeout} {
		if _, err := utils.ParseStringTime(field); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}
	return nil
}

func (c *Config) KeepAliveSweep() time.Duration {
	return utils.MustParseStringTime(c.KeepAliveInterval, 5*time.Second)
}

func (c *Config) MessageIDTTL() time.Duration {
	return utils.MustParseStringTime(c.MessageIDExpiry, 30*time.Second)
}

func (c *Config) OperationTimeout() time.Duration {
	return utils.MustParseStringTime(c.Storage.OperationTimeout, 5*time.Second)
}

// SendTimeout bounds a single write to a client socket.
func (c *Config) SendTimeout() time.Duration {
	return utils.MustParseStringTime(c.WriteTimeout, 10*time.Second)
}
