package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sqsd-gate/internal/classify"
	"github.com/mattjoyce/sqsd-gate/internal/digest"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "SQSD_GATE_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Candidate locations checked by Discover after the flag and environment.
var searchPaths = []string{
	"/etc/sqsd-gate/config.yaml",
	"./config.yaml",
}

// Load reads, hash-verifies, interpolates and validates the config at path.
// Keys missing from the file keep their Defaults() value.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Hashes cover the file as written, before interpolation.
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover returns the config path to load.
// Priority order: flag value, $SQSD_GATE_CONFIG, /etc/sqsd-gate/config.yaml, ./config.yaml
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: --config, $%s, %s)", EnvConfigPath, strings.Join(searchPaths, ", "))
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if errors.Is(err, errNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: sqsd-gate config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: sqsd-gate config lock --config %s", path, err, path)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level %q must be one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", cfg.Service.LogFormat)
	}

	if cfg.Listen == "" {
		return fmt.Errorf("listen is required")
	}

	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return fmt.Errorf("upstream.url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("upstream.url %q must be an absolute http(s) URL", cfg.Upstream.URL)
		}
	}
	if cfg.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative")
	}

	if err := validateGate(&cfg.Gate); err != nil {
		return err
	}

	if cfg.Jobs.DefaultTimeout <= 0 {
		return fmt.Errorf("jobs.default_timeout must be positive")
	}
	names := make([]string, 0, len(cfg.Jobs.Handlers))
	for name := range cfg.Jobs.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := cfg.Jobs.Handlers[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("jobs.handlers: empty handler name")
		}
		if h.Command == "" {
			return fmt.Errorf("jobs.handlers.%s: command is required", name)
		}
		if h.Timeout < 0 {
			return fmt.Errorf("jobs.handlers.%s: timeout must not be negative", name)
		}
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.JobLogRetention < 0 {
		return fmt.Errorf("state.job_log_retention must not be negative")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics are enabled")
		}
		if cfg.Metrics.Listen == cfg.Listen {
			return fmt.Errorf("metrics.listen must differ from listen")
		}
	}

	if cfg.Shutdown.DrainGrace < 0 || cfg.Shutdown.Timeout < 0 {
		return fmt.Errorf("shutdown durations must not be negative")
	}
	return nil
}

func validateGate(g *GateConfig) error {
	if !g.Enabled {
		return nil
	}
	if g.SecretKeyBase == "" {
		return fmt.Errorf("gate.secret_key_base is required when the gate is enabled")
	}
	if envVarPattern.MatchString(g.SecretKeyBase) {
		return fmt.Errorf("gate.secret_key_base references an unset environment variable: %s", g.SecretKeyBase)
	}
	if _, err := digest.ParseScheme(g.DigestScheme); err != nil {
		return fmt.Errorf("gate.digest_scheme: %w", err)
	}
	if strings.TrimSpace(g.Origin) == "" {
		return fmt.Errorf("gate.origin must not be blank")
	}
	for _, src := range g.TrustedSources {
		if _, err := classify.ParseSource(src); err != nil {
			return fmt.Errorf("gate.trusted_sources: %w", err)
		}
	}
	if g.PeriodicTasksRoute != "" && !strings.HasPrefix(g.PeriodicTasksRoute, "/") {
		return fmt.Errorf("gate.periodic_tasks_route %q must start with /", g.PeriodicTasksRoute)
	}
	if _, err := ParseSize(g.MaxBodySize); err != nil {
		return fmt.Errorf("gate.max_body_size: %w", err)
	}
	return nil
}

// ParseSize parses size strings like "256KB", "1MB", "2048576" to bytes.
// Empty returns 0, meaning "use the default".
func ParseSize(size string) (int64, error) {
	if size == "" {
		return 0, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
