package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener        ListenerConfig        `yaml:"listener"`
	Upstream        UpstreamConfig        `yaml:"upstream"`
	Routes          []RouteConfig         `yaml:"routes"`
	Authentication  AuthenticationConfig  `yaml:"authentication"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	RealIP          RealIPConfig          `yaml:"real_ip"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	CORS            CORSConfig            `yaml:"cors"`
	Logging         LoggingConfig         `yaml:"logging"`
	Admin           AdminConfig           `yaml:"admin"`
	Tracing         TracingConfig         `yaml:"tracing"`
	Shutdown        ShutdownConfig        `yaml:"shutdown"`
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8000"
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// UpstreamConfig defines the inference backend and how it is called.
type UpstreamConfig struct {
	URL               string          `yaml:"url"`
	Timeout           time.Duration   `yaml:"timeout"`             // generation calls
	HealthTimeout     time.Duration   `yaml:"health_timeout"`      // control calls (/health, /info)
	ShortTimeoutPaths []string        `yaml:"short_timeout_paths"` // upstream-relative paths using HealthTimeout
	ReadyCacheTTL     time.Duration   `yaml:"ready_cache_ttl"`     // how long a /ready probe result is reused
	FlushInterval     time.Duration   `yaml:"flush_interval"`      // response flush cadence, 0 = flush every write
	MaxConcurrent     int             `yaml:"max_concurrent"`      // 0 = unlimited
	MaxQueue          int             `yaml:"max_queue"`           // waiters beyond MaxConcurrent
	QueueWait         time.Duration   `yaml:"queue_wait"`          // max time a waiter holds its queue slot
	Transport         TransportConfig `yaml:"transport"`
}

// TransportConfig tunes the upstream HTTP transport
type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
}

// RouteConfig maps a public path prefix onto an upstream base URL
type RouteConfig struct {
	ID       string `yaml:"id"`
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"` // empty = Upstream.URL
}

// AuthenticationConfig holds the accepted bearer credentials
type AuthenticationConfig struct {
	Tokens []string `yaml:"tokens"`
}

// RateLimitConfig configures the global and per-source token buckets
type RateLimitConfig struct {
	Global        BucketConfig  `yaml:"global"`
	PerIP         BucketConfig  `yaml:"per_ip"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // per-IP bucket eviction window
	SweepInterval time.Duration `yaml:"sweep_interval"` // how often idle buckets are swept
	MaxTrackedIPs int           `yaml:"max_tracked_ips"`
}

// BucketConfig is a token bucket's burst capacity and refill rate
type BucketConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

// RealIPConfig controls client IP extraction from X-Forwarded-For
type RealIPConfig struct {
	// Depth is the number of trusted proxies in front of the gateway.
	// 0 uses the socket peer address.
	Depth int `yaml:"depth"`
}

// SecurityHeadersConfig defines the fixed response headers
type SecurityHeadersConfig struct {
	XFrameOptions           string            `yaml:"x_frame_options"`
	XContentTypeOptions     string            `yaml:"x_content_type_options"`
	StrictTransportSecurity string            `yaml:"strict_transport_security"`
	Server                  string            `yaml:"server"`
	CustomHeaders           map[string]string `yaml:"custom_headers"`
}

// CORSConfig defines cross-origin settings
type CORSConfig struct {
	AllowOrigins  []string `yaml:"allow_origins"`
	AllowMethods  []string `yaml:"allow_methods"`
	AllowHeaders  []string `yaml:"allow_headers"`
	ExposeHeaders []string `yaml:"expose_headers"`
	MaxAge        int      `yaml:"max_age"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Output   string            `yaml:"output"` // "stdout", "stderr", or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes
	MaxBackups int  `yaml:"max_backups"` // old files kept
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
}

// AdminConfig defines the admin listener serving metrics and stats
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// ShutdownConfig defines graceful shutdown behavior
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Upstream: UpstreamConfig{
			URL:               "http://127.0.0.1:8001",
			Timeout:           10 * time.Minute,
			HealthTimeout:     10 * time.Second,
			ShortTimeoutPaths: []string{"/health", "/info"},
			ReadyCacheTTL:     5 * time.Second,
			QueueWait:         time.Minute,
			Transport: TransportConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DialTimeout:         10 * time.Second,
			},
		},
		Routes: []RouteConfig{
			{ID: "imagine", Prefix: "/imagine/"},
		},
		RateLimit: RateLimitConfig{
			Global:        BucketConfig{Capacity: 60, RefillRate: 30},
			PerIP:         BucketConfig{Capacity: 30, RefillRate: 15},
			IdleTimeout:   10 * time.Minute,
			SweepInterval: time.Minute,
			MaxTrackedIPs: 100000,
		},
		SecurityHeaders: SecurityHeadersConfig{
			XFrameOptions:           "DENY",
			XContentTypeOptions:     "nosniff",
			StrictTransportSecurity: "max-age=31536000; includeSubDomains",
			Server:                  "imagine-gateway",
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:       600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "imagine-gateway",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 30 * time.Second,
		},
	}
}
