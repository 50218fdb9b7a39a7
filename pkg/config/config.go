package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		StaticDir       string        `yaml:"static_dir"`
		// RoomListCacheTTL bounds how stale GET /api/rooms may be.
		RoomListCacheTTL time.Duration `yaml:"room_list_cache_ttl"`
	} `yaml:"server"`

	// Transport configures the room signaling endpoint, both the server side
	// and the URL clients are told to connect to.
	Transport struct {
		EndpointURL         string        `yaml:"endpoint_url"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		ReconnectAttempts   int           `yaml:"reconnect_attempts"`
		ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
		ICEServers          []ICEServer   `yaml:"ice_servers"`
	} `yaml:"transport"`

	Client struct {
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		AttachRetryInterval  time.Duration `yaml:"attach_retry_interval"`
		AttachMaxRetries     int           `yaml:"attach_max_retries"`
		LocalPreviewFallback bool          `yaml:"local_preview_fallback"`
		ChatMaxLength        int           `yaml:"chat_max_length"`
		FrameRate            int           `yaml:"frame_rate"`
	} `yaml:"client"`

	Auth struct {
		SigningKey     string        `yaml:"signing_key"`
		Issuer         string        `yaml:"issuer"`
		CredentialTTL  time.Duration `yaml:"credential_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		// Data limits relayed data packets per connection.
		Data struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"data"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.RoomListCacheTTL < 0 {
		return fmt.Errorf("server.room_list_cache_ttl must be >= 0")
	}

	if c.Transport.EndpointURL == "" {
		return fmt.Errorf("transport.endpoint_url must not be empty")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be > 0")
	}
	if c.Transport.PongTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.pong_timeout must be > transport.ping_interval")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be > 0")
	}
	if c.Transport.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("transport.max_message_size_bytes must be > 0")
	}
	if c.Transport.ReconnectAttempts < 0 {
		return fmt.Errorf("transport.reconnect_attempts must be >= 0")
	}
	for i, s := range c.Transport.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("transport.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Client.AttachRetryInterval <= 0 {
		return fmt.Errorf("client.attach_retry_interval must be > 0")
	}
	if c.Client.AttachMaxRetries < 0 {
		return fmt.Errorf("client.attach_max_retries must be >= 0")
	}
	if c.Client.ChatMaxLength <= 0 {
		return fmt.Errorf("client.chat_max_length must be > 0")
	}

	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key must not be empty")
	}
	if c.Auth.CredentialTTL <= 0 {
		return fmt.Errorf("auth.credential_ttl must be > 0")
	}

	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Data.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.data.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Data.Burst <= 0 {
			return fmt.Errorf("rate_limiting.data.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.StaticDir = "web"
	cfg.Server.RoomListCacheTTL = time.Second

	cfg.Transport.EndpointURL = "ws://localhost:8080"
	cfg.Transport.PingInterval = 20 * time.Second
	cfg.Transport.PongTimeout = 45 * time.Second
	cfg.Transport.WriteTimeout = 10 * time.Second
	cfg.Transport.MaxMessageSizeBytes = 64 * 1024
	cfg.Transport.ReconnectAttempts = 5
	cfg.Transport.ReconnectDelay = 500 * time.Millisecond

	cfg.Client.ConnectTimeout = 15 * time.Second
	cfg.Client.AttachRetryInterval = 500 * time.Millisecond
	cfg.Client.AttachMaxRetries = 10
	cfg.Client.LocalPreviewFallback = true
	cfg.Client.ChatMaxLength = 2000
	cfg.Client.FrameRate = 30

	cfg.Auth.SigningKey = "change-me-in-production"
	cfg.Auth.Issuer = "flashlive"
	cfg.Auth.CredentialTTL = 6 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "flashlive"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.Data.MessagesPerSecond = 20
	cfg.RateLimiting.Data.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Address = ":" + port
	}
	if addr := os.Getenv("FLASHLIVE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("FLASHLIVE_TRANSPORT_URL"); url != "" {
		c.Transport.EndpointURL = url
	}
	if key := os.Getenv("FLASHLIVE_SIGNING_KEY"); key != "" {
		c.Auth.SigningKey = key
	}
	if level := os.Getenv("FLASHLIVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("FLASHLIVE_STATIC_DIR"); dir != "" {
		c.Server.StaticDir = dir
	}
	if addr := os.Getenv("FLASHLIVE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
}
