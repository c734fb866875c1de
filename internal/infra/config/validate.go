package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers
// to inspect all issues at once rather than failing on the first.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBotAPI(cfg, ve)
	validateSlack(cfg, ve)
	validateDiscord(cfg, ve)
	validateMobile(cfg, ve)
	validateSubprocess(cfg, ve)
	validateBrowser(cfg, ve)
	validateSession(cfg, ve)
	validateHealth(cfg, ve)
	validateBehaviour(cfg, ve)
	validateRollout(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBotAPI(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, b := range cfg.BotAPI {
		if b.Name == "" {
			ve.Add("bot_api[%d].name is required", i)
		} else if seen[b.Name] {
			ve.Add("bot_api[%d].name %q is duplicated", i, b.Name)
		}
		seen[b.Name] = true

		if b.Token == "" {
			ve.Add("bot_api[%d].token is required", i)
		}
		if b.UseWebhook {
			if b.WebhookDomain == "" {
				ve.Add("bot_api[%d].webhook_domain is required when use_webhook is true", i)
			}
			if b.WebhookPort <= 0 || b.WebhookPort > 65535 {
				ve.Add("bot_api[%d].webhook_port must be in 1..65535 when use_webhook is true", i)
			}
		}
	}
}

func validateSlack(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Slack {
		if s.Name == "" {
			ve.Add("slack[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("slack[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true

		if s.BotToken == "" {
			ve.Add("slack[%d].bot_token is required", i)
		}
		if s.AppToken == "" {
			ve.Add("slack[%d].app_token is required", i)
		}
	}
}

func validateDiscord(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, d := range cfg.Discord {
		if d.Name == "" {
			ve.Add("discord[%d].name is required", i)
		} else if seen[d.Name] {
			ve.Add("discord[%d].name %q is duplicated", i, d.Name)
		}
		seen[d.Name] = true

		if d.BotToken == "" {
			ve.Add("discord[%d].bot_token is required", i)
		}
	}
}

func validateMobile(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, m := range cfg.Mobile {
		if m.Name == "" {
			ve.Add("mobile[%d].name is required", i)
		} else if seen[m.Name] {
			ve.Add("mobile[%d].name %q is duplicated", i, m.Name)
		}
		seen[m.Name] = true

		if m.WebsocketURL == "" {
			ve.Add("mobile[%d].websocket_url is required", i)
		}
		if m.DataDir == "" {
			ve.Add("mobile[%d].data_dir is required", i)
		}
		if m.ConnectTimeoutMs < 0 {
			ve.Add("mobile[%d].connect_timeout_ms must be >= 0", i)
		}
	}
}

func validateSubprocess(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, s := range cfg.Subprocess {
		if s.Name == "" {
			ve.Add("subprocess[%d].name is required", i)
		} else if seen[s.Name] {
			ve.Add("subprocess[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true

		if s.PhoneNumber == "" {
			ve.Add("subprocess[%d].phone_number is required", i)
		}
		if s.RequestTimeoutMs < 0 {
			ve.Add("subprocess[%d].request_timeout_ms must be >= 0", i)
		}
	}
}

func validateBrowser(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, b := range cfg.Browser {
		if b.Name == "" {
			ve.Add("browser[%d].name is required", i)
		} else if seen[b.Name] {
			ve.Add("browser[%d].name %q is duplicated", i, b.Name)
		}
		seen[b.Name] = true

		if b.LoginURL == "" {
			ve.Add("browser[%d].login_url is required", i)
		}
		if b.UserDataDir == "" {
			ve.Add("browser[%d].user_data_dir is required", i)
		}
		if b.ElementTimeoutMs < 0 {
			ve.Add("browser[%d].element_timeout_ms must be >= 0", i)
		}
		if b.MessagePollingIntervalMs < 0 {
			ve.Add("browser[%d].message_polling_interval_ms must be >= 0", i)
		}
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.MaxReconnectAttempts < 0 {
		ve.Add("session.max_reconnect_attempts must be >= 0 (0 disables reconnection)")
	}
	if s.BaseReconnectDelayMs <= 0 {
		ve.Add("session.base_reconnect_delay_ms must be > 0")
	}
	if s.MaxReconnectDelayMs < s.BaseReconnectDelayMs {
		ve.Add("session.max_reconnect_delay_ms must be >= base_reconnect_delay_ms")
	}
	if s.QRTimeoutMs <= 0 {
		ve.Add("session.qr_timeout_ms must be > 0")
	}
}

func validateHealth(cfg *Config, ve *ValidationError) {
	h := cfg.Health
	if h.WindowMs <= 0 {
		ve.Add("health.window_ms must be > 0")
	}
	if h.MaxWindowSize <= 0 {
		ve.Add("health.max_window_size must be > 0")
	}
	if h.DisconnectThresholdMs <= 0 {
		ve.Add("health.disconnect_threshold_ms must be > 0")
	}
	if h.SnapshotIntervalMs <= 0 {
		ve.Add("health.snapshot_interval_ms must be > 0")
	}
}

func validateBehaviour(cfg *Config, ve *ValidationError) {
	if cfg.Behaviour.Scale <= 0 {
		ve.Add("behaviour.scale must be > 0")
	}
}

func validateRollout(cfg *Config, ve *ValidationError) {
	t := cfg.Rollout.AutoConfidenceThreshold
	if t < 0 || t > 1 {
		ve.Add("rollout.auto_confidence_threshold must be in [0,1]")
	}
}
