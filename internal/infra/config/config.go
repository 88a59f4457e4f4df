package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Backends       []BackendConfig      `yaml:"backends"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Fallback       FallbackConfig       `yaml:"fallback"`
	Daemon         DaemonConfig         `yaml:"daemon"`
	Remotes        []RemoteConfig       `yaml:"remotes"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Health         HealthConfig         `yaml:"health"`
	Instances      InstancesConfig      `yaml:"instances"`
	Includes       []string             `yaml:"includes,omitempty"`
}

// Backend types accepted in backends[].type.
const (
	BackendOpenAI  = "openai"
	BackendBedrock = "bedrock"
	BackendCLI     = "cli"
	BackendIDE     = "ide"
)

// PoolConfig holds HTTP connection pool settings for hosted backends.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// BackendConfig holds settings for a single local backend.
type BackendConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Models       []string `yaml:"models"`
	DefaultModel string   `yaml:"default_model"`

	// Subprocess backends.
	Profile string            `yaml:"profile,omitempty"` // claude, gemini, codex, cursor
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Hosted backends.
	BaseURL     string        `yaml:"base_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`

	// CircuitBreaker overrides the global breaker switch for this backend.
	CircuitBreaker *bool `yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker settings for local backends.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// FallbackConfig controls model degradation on retryable failures.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`
	// Chains adds or replaces degradation families, best model first.
	Chains map[string][]string `yaml:"chains,omitempty"`
}

// RateLimitConfig configures a per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DaemonConfig holds remote execution daemon settings.
type DaemonConfig struct {
	Addr          string          `yaml:"addr"`
	Secret        string          `yaml:"secret"`
	HostName      string          `yaml:"host_name"`
	MaxBodyBytes  int64           `yaml:"max_body_bytes"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	MDNSAdvertise bool            `yaml:"mdns_advertise"`
}

// RemoteConfig describes a statically configured remote daemon.
type RemoteConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DiscoveryConfig holds LAN discovery settings for remote daemons.
type DiscoveryConfig struct {
	MDNS        bool          `yaml:"mdns"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
	Secret      string        `yaml:"secret"` // applied to discovered daemons
}

// HealthConfig controls out-of-band health polling of remote daemons.
type HealthConfig struct {
	PollSchedule string        `yaml:"poll_schedule"` // cron spec, e.g. "@every 30s"
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// InstancesConfig holds the external idle policy for agent instances.
type InstancesConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"` // 0 disables reaping
	ReapSchedule string        `yaml:"reap_schedule"`
	// MaxContextTurns caps stored turns per instance; 0 keeps all.
	MaxContextTurns int `yaml:"max_context_turns"`
	// PromptTurns caps the history replayed into each prompt; 0 sends all.
	PromptTurns int `yaml:"prompt_turns"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // noop, stdout
	Output      string  `yaml:"output"`       // file for the stdout exporter; empty means stdout
	SampleRatio float64 `yaml:"sample_ratio"` // 0 or >=1 samples everything
	ServiceName string  `yaml:"service_name"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Fallback: FallbackConfig{
			Enabled: true,
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:7420",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
		Discovery: DiscoveryConfig{
			ScanTimeout: 3 * time.Second,
		},
		Health: HealthConfig{
			PollSchedule: "@every 30s",
			ProbeTimeout: 5 * time.Second,
		},
		Instances: InstancesConfig{
			ReapSchedule: "@every 1m",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := loadIncludes(cfg, absPath, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CONDUIT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CONDUIT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUIT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CONDUIT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CONDUIT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CONDUIT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CONDUIT_TRACER_OUTPUT"); v != "" {
		cfg.Tracer.Output = v
	}
	if v := os.Getenv("CONDUIT_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Tracer.SampleRatio = f
		}
	}
	if v := os.Getenv("CONDUIT_FALLBACK_ENABLED"); v == "false" {
		cfg.Fallback.Enabled = false
	}
	if v := os.Getenv("CONDUIT_DAEMON_ADDR"); v != "" {
		cfg.Daemon.Addr = v
	}
	if v := os.Getenv("CONDUIT_DAEMON_SECRET"); v != "" {
		cfg.Daemon.Secret = v
	}
	if v := os.Getenv("CONDUIT_DAEMON_HOST_NAME"); v != "" {
		cfg.Daemon.HostName = v
	}
	if v := os.Getenv("CONDUIT_DAEMON_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Daemon.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("CONDUIT_DAEMON_MDNS_ADVERTISE"); v == "true" {
		cfg.Daemon.MDNSAdvertise = true
	}
	if v := os.Getenv("CONDUIT_DISCOVERY_MDNS"); v == "true" {
		cfg.Discovery.MDNS = true
	}
	if v := os.Getenv("CONDUIT_HEALTH_POLL_SCHEDULE"); v != "" {
		cfg.Health.PollSchedule = v
	}
	if v := os.Getenv("CONDUIT_HEALTH_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Health.ProbeTimeout = d
		}
	}
	if v := os.Getenv("CONDUIT_INSTANCES_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Instances.IdleTimeout = d
		}
	}

	// Per-backend API key overrides: CONDUIT_BACKEND_<ID>_API_KEY
	for i := range cfg.Backends {
		if v := os.Getenv(envName("CONDUIT_BACKEND", cfg.Backends[i].ID, "API_KEY")); v != "" {
			cfg.Backends[i].APIKey = v
		}
	}
	// Per-remote secret overrides: CONDUIT_REMOTE_<ID>_SECRET
	for i := range cfg.Remotes {
		if v := os.Getenv(envName("CONDUIT_REMOTE", cfg.Remotes[i].ID, "SECRET")); v != "" {
			cfg.Remotes[i].Secret = v
		}
	}
}

// envName builds PREFIX_<ID>_SUFFIX with the id upper-cased and dashes and
// dots mapped to underscores.
func envName(prefix, id, suffix string) string {
	id = strings.NewReplacer("-", "_", ".", "_", ":", "_").Replace(strings.ToUpper(id))
	return prefix + "_" + id + "_" + suffix
}

// decryptSecrets finds "enc:..." values in API keys and shared secrets and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Backends {
		if err := decryptField(&cfg.Backends[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("backend %s api_key: %w", cfg.Backends[i].ID, err)
		}
	}
	for i := range cfg.Remotes {
		if err := decryptField(&cfg.Remotes[i].Secret, passphrase); err != nil {
			return fmt.Errorf("remote %s secret: %w", cfg.Remotes[i].ID, err)
		}
	}
	if err := decryptField(&cfg.Daemon.Secret, passphrase); err != nil {
		return fmt.Errorf("daemon secret: %w", err)
	}
	if err := decryptField(&cfg.Discovery.Secret, passphrase); err != nil {
		return fmt.Errorf("discovery secret: %w", err)
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
