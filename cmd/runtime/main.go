// Command runtime wires the configured adapters, health monitoring, and
// alerting into a running chat integration process: it is the composition
// root named by the package layout, analogous to the teacher's cmd/agent
// entrypoint, but assembling chat adapters instead of an LLM agent loop.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/argon2"

	"chatrt/internal/adapter/botapi"
	"chatrt/internal/adapter/browser"
	"chatrt/internal/adapter/mobile"
	"chatrt/internal/adapter/subprocess"
	"chatrt/internal/domain"
	"chatrt/internal/infra/config"
	"chatrt/internal/infra/logger"
	"chatrt/internal/infra/tracer"
	"chatrt/internal/usecase/behaviour"
	"chatrt/internal/usecase/health"
	"chatrt/internal/usecase/humantiming"
	"chatrt/internal/usecase/scheduling"
	"chatrt/internal/usecase/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the runtime config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "runtime:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	clock := time.Now
	random := rand.Float64

	monitor := health.NewHealthMonitor(health.CollectorConfig{
		WindowMs:              cfg.Health.WindowMs,
		MaxWindowSize:         cfg.Health.MaxWindowSize,
		DisconnectThresholdMs: cfg.Health.DisconnectThresholdMs,
	}, log, clock)

	alerts := health.NewAlertManager(clock)
	alerts.On(health.EventAlert, func(payload any) {
		if ev, ok := payload.(health.AlertEvent); ok {
			log.Warn("alert", "rule", ev.RuleID, "platform", ev.Platform, "severity", ev.Severity, "state", ev.State)
		}
	})

	var auditLog *health.AuditLog
	if cfg.Health.AuditDBPath != "" {
		auditLog, err = health.OpenAuditLog(cfg.Health.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open health audit log: %w", err)
		}
		defer auditLog.Close()
		alerts.On(health.EventAlert, func(payload any) {
			if ev, ok := payload.(health.AlertEvent); ok {
				if err := auditLog.Record(context.Background(), ev); err != nil {
					log.Error("audit log write failed", "error", err)
				}
			}
		})
	}

	monitor.On(health.EventHealthSnapshot, func(payload any) {
		if m, ok := payload.(health.Metrics); ok {
			alerts.Evaluate(m)
		}
	})

	behaviourMachine := behaviour.NewMachine(behaviour.Profile{Scale: cfg.Behaviour.Scale}, random, clock)
	if !cfg.Behaviour.Enabled {
		behaviourMachine = nil
	}

	adapters, err := buildAdapters(cfg, log, random, clock, behaviourMachine)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no adapters configured")
	}

	for _, a := range adapters {
		rec := health.NewRecordingAdapter(a, monitor, clock, log)
		monitor.RegisterPlatform(a.Platform())
		if err := rec.Connect(ctx); err != nil {
			log.Error("adapter connect failed", "platform", a.Platform(), "error", err)
			continue
		}
		defer rec.Disconnect(context.Background())
	}

	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionHealthSnapshot, func(ctx context.Context) error {
		monitor.SnapshotAll()
		return nil
	})
	if err := scheduler.AddTask(scheduling.ScheduledTask{
		Name:     "health-snapshot",
		Schedule: (time.Duration(cfg.Health.SnapshotIntervalMs) * time.Millisecond).String(),
		Action:   scheduling.ActionHealthSnapshot,
	}); err != nil {
		return fmt.Errorf("schedule health snapshot: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	log.Info("runtime started", "adapters", len(adapters))
	<-ctx.Done()
	log.Info("runtime shutting down")
	return nil
}

// buildAdapters constructs every configured adapter instance. Missing
// sections simply mean that backend is absent — spec §2 treats the set
// of running adapters as "any subset" the application chooses to wire.
func buildAdapters(cfg *config.Config, log *slog.Logger, random func() float64, clock func() time.Time, behaviourMachine *behaviour.Machine) ([]domain.Adapter, error) {
	var out []domain.Adapter

	for _, bc := range cfg.BotAPI {
		if bc.Token == "" {
			continue
		}
		out = append(out, botapi.NewTelegramAdapter(botapi.TelegramConfig{
			Token:          bc.Token,
			APIRoot:        bc.APIRoot,
			UseWebhook:     bc.UseWebhook,
			WebhookDomain:  bc.WebhookDomain,
			WebhookPort:    bc.WebhookPort,
			WebhookSecret:  bc.WebhookSecretToken,
			AllowedUpdates: bc.AllowedUpdates,
		}, log))
	}

	for _, sc := range cfg.Slack {
		if sc.BotToken == "" || sc.AppToken == "" {
			continue
		}
		out = append(out, botapi.NewSlackAdapter(botapi.SlackConfig{
			BotToken:   sc.BotToken,
			AppToken:   sc.AppToken,
			ChannelIDs: sc.ChannelIDs,
		}, log))
	}

	for _, dc := range cfg.Discord {
		if dc.BotToken == "" {
			continue
		}
		out = append(out, botapi.NewDiscordAdapter(botapi.DiscordConfig{
			Token:       dc.BotToken,
			GuildID:     dc.GuildID,
			ChannelIDs:  dc.ChannelIDs,
			MentionOnly: dc.MentionOnly,
		}, log))
	}

	for _, mc := range cfg.Mobile {
		authKey, err := deriveAuthKey(mc.DataDir, mc.Name)
		if err != nil {
			return nil, fmt.Errorf("mobile %q: derive auth key: %w", mc.Name, err)
		}
		authStore, err := session.NewFileAuthStore(mc.DataDir, authKey)
		if err != nil {
			return nil, fmt.Errorf("mobile %q: auth store: %w", mc.Name, err)
		}
		out = append(out, mobile.New(mobile.Config{
			WebSocketURL: mc.WebsocketURL,
			Session: session.Config{
				MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
				BaseReconnectDelayMs: cfg.Session.BaseReconnectDelayMs,
				MaxReconnectDelayMs:  cfg.Session.MaxReconnectDelayMs,
				QRTimeoutMs:          cfg.Session.QRTimeoutMs,
			},
			PrintQRTerminal: mc.PrintQRInTerminal,
		}, authStore, log, random, clock))
	}

	for _, sc := range cfg.Subprocess {
		out = append(out, subprocess.New(subprocess.Config{
			Command:        sc.SignalCliBin,
			Args:           []string{"--json-rpc", "-a", sc.PhoneNumber},
			WorkDir:        sc.DataDir,
			RequestTimeout: time.Duration(sc.RequestTimeoutMs) * time.Millisecond,
		}, log))
	}

	for _, bc := range cfg.Browser {
		engine, err := browser.NewChromeDPEngine(browser.EngineConfig{
			UserDataDir: bc.UserDataDir,
			Headless:    bc.Headless,
			Proxy:       bc.Proxy,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("browser %q: engine: %w", bc.Name, err)
		}
		out = append(out, browser.New(browser.Config{
			LoginURL:            bc.LoginURL,
			UserDataDir:         bc.UserDataDir,
			Headless:            bc.Headless,
			Proxy:               bc.Proxy,
			ElementTimeout:      time.Duration(bc.ElementTimeoutMs) * time.Millisecond,
			MessagePollInterval: time.Duration(bc.MessagePollingIntervalMs) * time.Millisecond,
			SelectorOverrides:   browser.SelectorsFromMap(bc.SelectorOverrides),
			Timing:              humantiming.Profile{ReadingSpeed: 0.5, Deliberation: 0.5, ActivityLevel: 0.5, IdleTendency: 0.5},
		}, engine, log, behaviourMachine, random, clock))
	}

	return out, nil
}

// deriveAuthKey produces a stable chacha20poly1305 key for a mobile
// adapter's local credential store. The salt lives alongside the store
// (dataDir/authkey.salt) so the derived key — and therefore the ability
// to decrypt creds.json — survives process restarts; only the dataDir
// itself being wiped forces a fresh QR pairing.
func deriveAuthKey(dataDir, name string) ([]byte, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	saltPath := dataDir + "/authkey.salt"
	salt, err := os.ReadFile(saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		salt = make([]byte, 16)
		if _, err := cryptorand.Read(salt); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, err
		}
	}
	return argon2.IDKey([]byte(name), salt, 1, 64*1024, 4, 32), nil
}
