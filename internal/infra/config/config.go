// Package config loads and validates the runtime's layered YAML
// configuration: per-platform adapter configs, the mobile-protocol
// session manager, the health monitor/alerting, the behavioural state
// machine, and the fix-rollout pipeline. The yaml.v3 + file-composition
// (includes.go) + validation (validate.go) idiom, along with the
// AES-256-GCM secret-at-rest scheme below, is adapted from the teacher's
// configuration layer.
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

// Config is the top-level runtime configuration: ambient concerns
// (logger, tracer) plus zero or more instances of each platform adapter,
// the mobile-protocol session manager's tuning knobs, and the four
// operational subsystems.
type Config struct {
	Logger     LoggerConfig         `yaml:"logger"`
	Tracer     TracerConfig         `yaml:"tracer"`
	BotAPI     []BotAPIConfig       `yaml:"bot_api,omitempty"`
	Slack      []SlackBotConfig     `yaml:"slack,omitempty"`
	Discord    []DiscordBotConfig   `yaml:"discord,omitempty"`
	Mobile     []MobileConfig       `yaml:"mobile,omitempty"`
	Subprocess []SubprocessConfig   `yaml:"subprocess,omitempty"`
	Browser    []BrowserConfig      `yaml:"browser,omitempty"`
	Session    SessionManagerConfig `yaml:"session"`
	Health     HealthConfig         `yaml:"health"`
	Behaviour  BehaviourConfig      `yaml:"behaviour"`
	Rollout    RolloutConfig        `yaml:"rollout"`
	Includes   []string             `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// BotAPIConfig configures one bot-API platform adapter instance (HTTP +
// long-poll, or webhook when UseWebhook is set), per spec §6.
type BotAPIConfig struct {
	Name               string   `yaml:"name"`
	Token              string   `yaml:"token"`
	APIRoot            string   `yaml:"api_root,omitempty"`
	UseWebhook         bool     `yaml:"use_webhook,omitempty"`
	WebhookDomain      string   `yaml:"webhook_domain,omitempty"`
	WebhookPort        int      `yaml:"webhook_port,omitempty"`
	WebhookSecretToken string   `yaml:"webhook_secret_token,omitempty"`
	AllowedUpdates     []string `yaml:"allowed_updates,omitempty"`
}

// SlackBotConfig configures one Slack Socket Mode bot-API adapter
// instance — the second bot-API backend alongside BotAPIConfig's
// Telegram long-polling shape.
type SlackBotConfig struct {
	Name       string   `yaml:"name"`
	BotToken   string   `yaml:"bot_token"`
	AppToken   string   `yaml:"app_token"`
	ChannelIDs []string `yaml:"channel_ids,omitempty"`
}

// DiscordBotConfig configures one Discord gateway bot-API adapter
// instance — a third bot-API backend alongside BotAPIConfig's Telegram
// long-polling shape and SlackBotConfig's Socket Mode shape.
type DiscordBotConfig struct {
	Name        string   `yaml:"name"`
	BotToken    string   `yaml:"bot_token"`
	GuildID     string   `yaml:"guild_id,omitempty"`
	ChannelIDs  []string `yaml:"channel_ids,omitempty"`
	MentionOnly bool     `yaml:"mention_only,omitempty"`
}

// MobileConfig configures one mobile-protocol adapter instance, layered
// on top of the shared session manager (Config.Session).
type MobileConfig struct {
	Name                string `yaml:"name"`
	WebsocketURL        string `yaml:"websocket_url"`
	DataDir             string `yaml:"data_dir"`
	MarkOnlineOnConnect bool   `yaml:"mark_online_on_connect,omitempty"`
	PrintQRInTerminal   bool   `yaml:"print_qr_in_terminal,omitempty"`
	ConnectTimeoutMs    int64  `yaml:"connect_timeout_ms,omitempty"`
}

// SubprocessConfig configures one subprocess-RPC adapter instance.
type SubprocessConfig struct {
	Name             string `yaml:"name"`
	PhoneNumber      string `yaml:"phone_number"`
	SignalCliBin     string `yaml:"signal_cli_bin,omitempty"`
	DataDir          string `yaml:"data_dir,omitempty"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms,omitempty"`
}

// BrowserConfig configures one browser-automation adapter instance.
type BrowserConfig struct {
	Name                     string            `yaml:"name"`
	LoginURL                 string            `yaml:"login_url"`
	UserDataDir              string            `yaml:"user_data_dir"`
	Headless                 bool              `yaml:"headless,omitempty"`
	Proxy                    string            `yaml:"proxy,omitempty"`
	ElementTimeoutMs         int64             `yaml:"element_timeout_ms,omitempty"`
	MessagePollingIntervalMs int64             `yaml:"message_polling_interval_ms,omitempty"`
	SessionProfile           string            `yaml:"session_profile,omitempty"`
	BrowserProfile           string            `yaml:"browser_profile,omitempty"`
	SelectorOverrides        map[string]string `yaml:"selector_overrides,omitempty"`
}

// SessionManagerConfig tunes the mobile-protocol session manager's
// reconnect lifecycle, shared across every MobileConfig instance.
type SessionManagerConfig struct {
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`
	BaseReconnectDelayMs int64 `yaml:"base_reconnect_delay_ms"`
	MaxReconnectDelayMs  int64 `yaml:"max_reconnect_delay_ms"`
	QRTimeoutMs          int64 `yaml:"qr_timeout_ms"`
}

// HealthConfig tunes the per-platform metrics collector, the alert
// manager's periodic evaluation cadence, and its optional audit sink.
type HealthConfig struct {
	WindowMs              int64  `yaml:"window_ms"`
	MaxWindowSize         int    `yaml:"max_window_size"`
	DisconnectThresholdMs int64  `yaml:"disconnect_threshold_ms"`
	SnapshotIntervalMs    int64  `yaml:"snapshot_interval_ms"`
	AuditDBPath           string `yaml:"audit_db_path,omitempty"`
}

// BehaviourConfig tunes the behavioural session state machine.
type BehaviourConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`
}

// RolloutConfig tunes the fix-rollout pipeline's deployment thresholds.
type RolloutConfig struct {
	AutoConfidenceThreshold float64 `yaml:"auto_confidence_threshold"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.chatrt/data, falling back to "./data" if $HOME is unavailable.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatrt", "data")
}

// Defaults returns a Config with sensible defaults and no adapters
// configured; platform instances must be added explicitly.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Session: SessionManagerConfig{
			MaxReconnectAttempts: 5,
			BaseReconnectDelayMs: 1000,
			MaxReconnectDelayMs:  60000,
			QRTimeoutMs:          60000,
		},
		Health: HealthConfig{
			WindowMs:              5 * time.Minute.Milliseconds(),
			MaxWindowSize:         1000,
			DisconnectThresholdMs: 2 * time.Minute.Milliseconds(),
			SnapshotIntervalMs:    30 * time.Second.Milliseconds(),
			AuditDBPath:           filepath.Join(dataDir, "health-audit.sqlite"),
		},
		Behaviour: BehaviourConfig{
			Enabled: true,
			Scale:   1.0,
		},
		Rollout: RolloutConfig{
			AutoConfidenceThreshold: 0.85,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts
// secrets, and validates the result. A missing file is not an error: it
// yields Defaults() with env overrides applied.
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

	// First pass: unmarshal to discover the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-apply the main file so it takes precedence
		// over anything merged in from an include.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CHATRT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CHATRT_* env vars onto ambient config fields and
// onto the token of the first configured bot_api instance. No other
// platform instance has an environment override; those are expressed via
// YAML only.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATRT_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("CHATRT_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("CHATRT_BOT_API_TOKEN"); v != "" && len(cfg.BotAPI) > 0 {
		cfg.BotAPI[0].Token = v
	}
	if v := os.Getenv("CHATRT_SESSION_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("CHATRT_HEALTH_AUDIT_DB_PATH"); v != "" {
		cfg.Health.AuditDBPath = v
	}
	if v := os.Getenv("CHATRT_ROLLOUT_AUTO_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rollout.AutoConfidenceThreshold = f
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values among the adapter credential
// fields and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.BotAPI {
		fields := []*string{&cfg.BotAPI[i].Token, &cfg.BotAPI[i].WebhookSecretToken}
		for _, fp := range fields {
			if strings.HasPrefix(*fp, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("bot_api %s secret: %w", cfg.BotAPI[i].Name, err)
				}
				*fp = decrypted
			}
		}
	}

	for i := range cfg.Slack {
		fields := []*string{&cfg.Slack[i].BotToken, &cfg.Slack[i].AppToken}
		for _, fp := range fields {
			if strings.HasPrefix(*fp, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("slack %s secret: %w", cfg.Slack[i].Name, err)
				}
				*fp = decrypted
			}
		}
	}

	for i := range cfg.Discord {
		fp := &cfg.Discord[i].BotToken
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("discord %s bot_token: %w", cfg.Discord[i].Name, err)
			}
			*fp = decrypted
		}
	}

	for i := range cfg.Subprocess {
		fp := &cfg.Subprocess[i].PhoneNumber
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("subprocess %s phone_number: %w", cfg.Subprocess[i].Name, err)
			}
			*fp = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a
// passphrase, returning "hex(salt):hex(nonce+ciphertext)".
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
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

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks that the config file is not world/group
// writable, per the teacher's file-permission hardening convention.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o033 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
