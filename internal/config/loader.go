package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file. An empty path builds the
// configuration from defaults and the environment alone.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes, applies environment
// overrides and validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv overlays the recognized environment variables onto cfg.
func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.env("VALID_TOKENS"); ok {
		cfg.Authentication.Tokens = splitList(v)
	}
	if v, ok := l.env("VALID_TOKEN"); ok {
		cfg.Authentication.Tokens = appendUnique(cfg.Authentication.Tokens, v)
	}
	if v, ok := l.env("GATEWAY_ADDR"); ok {
		cfg.Listener.Address = v
	} else if v, ok := l.env("PORT"); ok {
		cfg.Listener.Address = ":" + v
	}
	if v, ok := l.env("UPSTREAM_URL"); ok {
		cfg.Upstream.URL = v
	}
	if v, ok := l.env("ROUTE_PREFIX"); ok {
		if len(cfg.Routes) == 0 {
			cfg.Routes = []RouteConfig{{ID: "default"}}
		}
		cfg.Routes[0].Prefix = v
	}
	if v, ok := l.env("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout},
		{"HEALTH_TIMEOUT", &cfg.Upstream.HealthTimeout},
		{"IP_BUCKET_IDLE_TIMEOUT", &cfg.RateLimit.IdleTimeout},
	}
	for _, d := range durations {
		v, ok := l.env(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"GLOBAL_RATE_CAPACITY", &cfg.RateLimit.Global.Capacity},
		{"IP_RATE_CAPACITY", &cfg.RateLimit.PerIP.Capacity},
		{"FORWARDED_FOR_DEPTH", &cfg.RealIP.Depth},
	}
	for _, i := range ints {
		v, ok := l.env(i.name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.name, err)
		}
		*i.dst = parsed
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"GLOBAL_RATE_REFILL", &cfg.RateLimit.Global.RefillRate},
		{"IP_RATE_REFILL", &cfg.RateLimit.PerIP.RefillRate},
	}
	for _, f := range floats {
		v, ok := l.env(f.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = parsed
	}

	return nil
}

// env returns a trimmed, non-empty environment value.
func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}

	if len(cfg.Authentication.Tokens) == 0 {
		return fmt.Errorf("at least one authentication token is required (set VALID_TOKEN)")
	}
	for i, tok := range cfg.Authentication.Tokens {
		if strings.TrimSpace(tok) == "" {
			return fmt.Errorf("authentication.tokens[%d] is empty", i)
		}
		if strings.ContainsFunc(tok, unicode.IsSpace) {
			return fmt.Errorf("authentication.tokens[%d] must not contain whitespace", i)
		}
	}

	if err := validateUpstreamURL("upstream.url", cfg.Upstream.URL); err != nil {
		return err
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if cfg.Upstream.HealthTimeout <= 0 {
		return fmt.Errorf("upstream.health_timeout must be > 0")
	}
	if cfg.Upstream.ReadyCacheTTL <= 0 {
		return fmt.Errorf("upstream.ready_cache_ttl must be > 0")
	}
	if cfg.Upstream.MaxConcurrent < 0 || cfg.Upstream.MaxQueue < 0 {
		return fmt.Errorf("upstream.max_concurrent and upstream.max_queue must be >= 0")
	}
	if cfg.Upstream.MaxConcurrent > 0 && cfg.Upstream.QueueWait <= 0 && cfg.Upstream.MaxQueue > 0 {
		return fmt.Errorf("upstream.queue_wait must be > 0 when max_queue is set")
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	routeIDs := make(map[string]bool)
	prefixes := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with /", route.ID)
		}
		norm := strings.TrimSuffix(route.Prefix, "/") + "/"
		if prefixes[norm] {
			return fmt.Errorf("route %s: duplicate prefix %s", route.ID, route.Prefix)
		}
		prefixes[norm] = true

		if route.Upstream != "" {
			if err := validateUpstreamURL(fmt.Sprintf("route %s: upstream", route.ID), route.Upstream); err != nil {
				return err
			}
		}
	}

	if err := validateBucket("rate_limit.global", cfg.RateLimit.Global); err != nil {
		return err
	}
	if err := validateBucket("rate_limit.per_ip", cfg.RateLimit.PerIP); err != nil {
		return err
	}
	if cfg.RateLimit.IdleTimeout <= 0 {
		return fmt.Errorf("rate_limit.idle_timeout must be > 0")
	}
	if cfg.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate_limit.sweep_interval must be > 0")
	}
	if cfg.RateLimit.MaxTrackedIPs <= 0 {
		return fmt.Errorf("rate_limit.max_tracked_ips must be > 0")
	}

	if cfg.RealIP.Depth < 0 {
		return fmt.Errorf("real_ip.depth must be >= 0")
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validateUpstreamURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

func validateBucket(field string, b BucketConfig) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%s.capacity must be >= 1", field)
	}
	if b.RefillRate <= 0 {
		return fmt.Errorf("%s.refill_rate must be > 0", field)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
