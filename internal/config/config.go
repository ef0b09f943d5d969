package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tickstream/internal/broadcast"
	"tickstream/internal/logging"
	"tickstream/internal/manager"
	"tickstream/internal/router"
	"tickstream/internal/source"
	"tickstream/internal/websocket"
	dbconfig "tickstream/pkg/database"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TICKSTREAM_"

// ConfigFileEnv names the environment variable that selects the config file
// when no --config flag is given.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator.
// Components never read the environment themselves; they receive their own
// Config values built from this one.
type Config struct {
	HTTP      *HTTPConfig      `yaml:"http"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Engine    *EngineConfig    `yaml:"engine"`
	Redis     *RedisConfig     `yaml:"redis"`
	Database  *DatabaseConfig  `yaml:"database"`
	Log       *logging.Config  `yaml:"log"`
}

// HTTPConfig configures the API and WebSocket listener.
type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig configures client sockets.
type WebSocketConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SendBufferSize   int           `yaml:"send_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// EngineConfig holds the batching, caching and lifecycle tunables.
type EngineConfig struct {
	BatchWindow      time.Duration `yaml:"batch_window"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	QueueSize        int           `yaml:"queue_size"`
	FlushRate        float64       `yaml:"flush_rate"`
	FlushBurst       int           `yaml:"flush_burst"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries  int           `yaml:"cache_max_entries"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PendingTimeout   time.Duration `yaml:"pending_timeout"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// RedisConfig configures the upstream pub/sub source.
type RedisConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	Channels    []string `yaml:"channels"`
	ChannelSize int      `yaml:"channel_size"`
}

// DatabaseConfig configures the operational store.
type DatabaseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	MaxConnections   int           `yaml:"max_connections"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `yaml:"conn_max_idle_time"`
	WriteQueueSize   int           `yaml:"write_queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// FUNCTIONAL DISCOVERY: Defaults run a self-contained node: SQLite store on,
// Redis source off until an upstream is configured.
func DefaultConfig() *Config {
	eng := manager.DefaultConfig()
	ws := websocket.DefaultConfig()
	db := dbconfig.DefaultConfig()
	src := source.DefaultConfig()
	logCfg := logging.DefaultConfig()

	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     ws.PingInterval,
			ReadTimeout:      ws.ReadTimeout,
			WriteTimeout:     ws.WriteTimeout,
			SendBufferSize:   ws.SendBufferSize,
			HandshakeTimeout: ws.HandshakeTimeout,
		},
		Engine: &EngineConfig{
			BatchWindow:      eng.Broadcast.BatchWindow,
			MaxBatchSize:     eng.Broadcast.MaxBatchSize,
			QueueSize:        eng.Broadcast.QueueSize,
			FlushRate:        eng.Broadcast.FlushRate,
			FlushBurst:       eng.Broadcast.FlushBurst,
			SendTimeout:      eng.Broadcast.SendTimeout,
			CacheTTL:         eng.Cache.TTL,
			CacheMaxEntries:  eng.Cache.MaxEntries,
			HeartbeatTimeout: eng.HeartbeatTimeout,
			PendingTimeout:   eng.PendingTimeout,
			ReapInterval:     eng.ReapInterval,
			DrainTimeout:     eng.DrainTimeout,
		},
		Redis: &RedisConfig{
			Enabled:     false,
			Addr:        src.Addr,
			Channels:    src.Channels,
			ChannelSize: src.ChannelSize,
		},
		Database: &DatabaseConfig{
			Enabled:          true,
			Driver:           db.Driver,
			DSN:              db.DSN,
			MaxConnections:   db.MaxConnections,
			ConnMaxLifetime:  db.ConnMaxLifetime,
			ConnMaxIdleTime:  db.ConnMaxIdleTime,
			WriteQueueSize:   db.WriteQueueSize,
			SnapshotInterval: time.Minute,
		},
		Log: &logCfg,
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("websocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("websocket write timeout must be positive")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return errors.New("websocket send buffer size must be positive")
	}

	if c.Engine == nil {
		return errors.New("engine configuration is required")
	}
	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.Redis == nil {
		return errors.New("redis configuration is required")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return errors.New("redis addr cannot be empty when redis is enabled")
		}
		if len(c.Redis.Channels) == 0 {
			return errors.New("redis needs at least one channel when enabled")
		}
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Enabled {
		if err := c.Database.Store().Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if c.Database.SnapshotInterval < 0 {
			return errors.New("database snapshot interval cannot be negative")
		}
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	return c.Log.Validate()
}

func (e *EngineConfig) validate() error {
	switch {
	case e.BatchWindow <= 0:
		return errors.New("batch window must be positive")
	case e.MaxBatchSize <= 0:
		return errors.New("max batch size must be positive")
	case e.QueueSize <= 0:
		return errors.New("queue size must be positive")
	case e.FlushRate <= 0 || e.FlushBurst <= 0:
		return errors.New("flush rate and burst must be positive")
	case e.SendTimeout <= 0:
		return errors.New("send timeout must be positive")
	case e.CacheTTL <= 0 || e.CacheMaxEntries <= 0:
		return errors.New("cache ttl and max entries must be positive")
	case e.HeartbeatTimeout <= 0 || e.PendingTimeout <= 0:
		return errors.New("heartbeat and pending timeouts must be positive")
	case e.ReapInterval <= 0 || e.DrainTimeout <= 0:
		return errors.New("reap interval and drain timeout must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Manager converts the engine section into the manager's Config.
func (e *EngineConfig) Manager() manager.Config {
	return manager.Config{
		Broadcast: broadcast.Config{
			BatchWindow:  e.BatchWindow,
			MaxBatchSize: e.MaxBatchSize,
			QueueSize:    e.QueueSize,
			FlushRate:    e.FlushRate,
			FlushBurst:   e.FlushBurst,
			SendTimeout:  e.SendTimeout,
		},
		Cache:            router.CacheConfig{TTL: e.CacheTTL, MaxEntries: e.CacheMaxEntries},
		HeartbeatTimeout: e.HeartbeatTimeout,
		PendingTimeout:   e.PendingTimeout,
		ReapInterval:     e.ReapInterval,
		DrainTimeout:     e.DrainTimeout,
	}
}

// Connection converts the websocket section into the adapter's Config.
func (w *WebSocketConfig) Connection() websocket.Config {
	return websocket.Config{
		PingInterval:     w.PingInterval,
		ReadTimeout:      w.ReadTimeout,
		WriteTimeout:     w.WriteTimeout,
		SendBufferSize:   w.SendBufferSize,
		HandshakeTimeout: w.HandshakeTimeout,
	}
}

// Source converts the redis section into the source's Config.
func (r *RedisConfig) Source() source.Config {
	return source.Config{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		Channels:    append([]string(nil), r.Channels...),
		ChannelSize: r.ChannelSize,
	}
}

// Store converts the database section into the store's Config.
func (d *DatabaseConfig) Store() *dbconfig.Config {
	return &dbconfig.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		MaxConnections:  d.MaxConnections,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		WriteQueueSize:  d.WriteQueueSize,
	}
}

// LoadFromEnv returns the defaults overlaid with TICKSTREAM_* variables.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile returns the defaults overlaid with a YAML file. Keys absent
// from the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults.
// An empty path skips the file layer; a missing or broken file is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	// TECHNICAL DISCOVERY: yaml.v3 decodes "250ms"-style strings straight into
	// time.Duration and leaves absent keys untouched.
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envReader collects the first parse error so applyEnv reads straight
// through.
type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) fail(name, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, value, err)
	}
}

func (r *envReader) setString(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) setInt(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) setFloat(name string, dst *float64) {
	if v, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) setBool(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) setList(name string, dst *[]string) {
	if v, ok := r.lookup(name); ok {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

func applyEnv(c *Config) error {
	r := &envReader{}

	r.setString("HTTP_HOST", &c.HTTP.Host)
	r.setInt("HTTP_PORT", &c.HTTP.Port)
	r.setDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	r.setDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	r.setDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	r.setDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	r.setDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	r.setDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	r.setInt("WEBSOCKET_SEND_BUFFER_SIZE", &c.WebSocket.SendBufferSize)
	r.setDuration("WEBSOCKET_HANDSHAKE_TIMEOUT", &c.WebSocket.HandshakeTimeout)

	r.setDuration("ENGINE_BATCH_WINDOW", &c.Engine.BatchWindow)
	r.setInt("ENGINE_MAX_BATCH_SIZE", &c.Engine.MaxBatchSize)
	r.setInt("ENGINE_QUEUE_SIZE", &c.Engine.QueueSize)
	r.setFloat("ENGINE_FLUSH_RATE", &c.Engine.FlushRate)
	r.setInt("ENGINE_FLUSH_BURST", &c.Engine.FlushBurst)
	r.setDuration("ENGINE_SEND_TIMEOUT", &c.Engine.SendTimeout)
	r.setDuration("ENGINE_CACHE_TTL", &c.Engine.CacheTTL)
	r.setInt("ENGINE_CACHE_MAX_ENTRIES", &c.Engine.CacheMaxEntries)
	r.setDuration("ENGINE_HEARTBEAT_TIMEOUT", &c.Engine.HeartbeatTimeout)
	r.setDuration("ENGINE_PENDING_TIMEOUT", &c.Engine.PendingTimeout)
	r.setDuration("ENGINE_REAP_INTERVAL", &c.Engine.ReapInterval)
	r.setDuration("ENGINE_DRAIN_TIMEOUT", &c.Engine.DrainTimeout)

	r.setBool("REDIS_ENABLED", &c.Redis.Enabled)
	r.setString("REDIS_ADDR", &c.Redis.Addr)
	r.setString("REDIS_PASSWORD", &c.Redis.Password)
	r.setInt("REDIS_DB", &c.Redis.DB)
	r.setList("REDIS_CHANNELS", &c.Redis.Channels)
	r.setInt("REDIS_CHANNEL_SIZE", &c.Redis.ChannelSize)

	r.setBool("DATABASE_ENABLED", &c.Database.Enabled)
	r.setString("DATABASE_DRIVER", &c.Database.Driver)
	r.setString("DATABASE_DSN", &c.Database.DSN)
	r.setInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	r.setDuration("DATABASE_SNAPSHOT_INTERVAL", &c.Database.SnapshotInterval)

	r.setString("LOG_LEVEL", &c.Log.Level)
	r.setString("LOG_FORMAT", &c.Log.Format)

	return r.err
}
