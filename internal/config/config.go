// Package config loads the gateway's configuration surface via viper,
// binding flags and environment variables onto nested keys before handing a
// typed struct to the rest of the program.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated configuration for one process.
type Config struct {
	Debug bool

	HTTPAddr string

	RequestSecret  string
	CallbackSecret string
	ApproverWhitelist []string

	StoreDriver string // "memory" | "sqlite" | "postgres"
	SQLitePath  string
	PostgresDSN string

	Trust TrustConfig
	Grant GrantConfig
	Rate  RateConfig

	ApprovalExpirySeconds      int
	ApprovalExpirySecondsHighSensitivity int

	PagingMaxChars int
	PagingTTL      time.Duration

	RulesBlockedPath    string
	RulesSafelistPath   string
	RulesDangerPath     string
	RulesCompliancePath string
	RulesRiskPath       string

	Notifier NotifierConfig

	Upload UploadConfig

	GitHubToken string
}

type TrustConfig struct {
	TTLMinutes  int
	CommandsMax int
	UploadsMax  int
	BytesMax    int64
}

type GrantConfig struct {
	TTLMaxMinutes int
	MaxCommands   int
	MaxExecutions int
}

type RateConfig struct {
	WindowSeconds int
	MaxInWindow   int
}

type NotifierConfig struct {
	Kind       string // "slack" | "webhook"
	SlackToken string
	SlackChannel string
	WebhookURL string
}

type UploadConfig struct {
	DefaultBucket    string
	MaxExpirySeconds int
	MaxBatchFiles    int
}

// Load reads configuration from viper (already populated by cobra flag
// binding and AutomaticEnv in cmd/root.go) into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Debug:       v.GetBool("debug"),
		HTTPAddr:    v.GetString("http.addr"),
		RequestSecret:  v.GetString("auth.request_secret"),
		CallbackSecret: v.GetString("auth.callback_secret"),
		ApproverWhitelist: v.GetStringSlice("auth.approver_whitelist"),

		StoreDriver: v.GetString("store.driver"),
		SQLitePath:  v.GetString("store.sqlite_path"),
		PostgresDSN: v.GetString("store.postgres_dsn"),

		Trust: TrustConfig{
			TTLMinutes:  v.GetInt("trust.ttl_minutes"),
			CommandsMax: v.GetInt("trust.commands_max"),
			UploadsMax:  v.GetInt("trust.uploads_max"),
			BytesMax:    v.GetInt64("trust.bytes_max"),
		},
		Grant: GrantConfig{
			TTLMaxMinutes: v.GetInt("grant.ttl_max_minutes"),
			MaxCommands:   v.GetInt("grant.max_commands"),
			MaxExecutions: v.GetInt("grant.max_executions"),
		},
		Rate: RateConfig{
			WindowSeconds: v.GetInt("rate.window_seconds"),
			MaxInWindow:   v.GetInt("rate.max_in_window"),
		},

		ApprovalExpirySeconds:                v.GetInt("approval.expiry_seconds"),
		ApprovalExpirySecondsHighSensitivity:  v.GetInt("approval.expiry_seconds_high_sensitivity"),

		PagingMaxChars: v.GetInt("paging.max_chars"),
		PagingTTL:      v.GetDuration("paging.ttl"),

		RulesBlockedPath:    v.GetString("rules.blocked_patterns_file"),
		RulesSafelistPath:   v.GetString("rules.safelist_patterns_file"),
		RulesDangerPath:     v.GetString("rules.danger_patterns_file"),
		RulesCompliancePath: v.GetString("rules.compliance_rules_file"),
		RulesRiskPath:       v.GetString("rules.risk_rules_file"),

		Notifier: NotifierConfig{
			Kind:         v.GetString("notifier.kind"),
			SlackToken:   v.GetString("notifier.slack_token"),
			SlackChannel: v.GetString("notifier.slack_channel"),
			WebhookURL:   v.GetString("notifier.webhook_url"),
		},

		Upload: UploadConfig{
			DefaultBucket:    v.GetString("upload.default_bucket"),
			MaxExpirySeconds: v.GetInt("upload.max_expiry_seconds"),
			MaxBatchFiles:    v.GetInt("upload.max_batch_files"),
		},

		GitHubToken: v.GetString("deploy.github_token"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.RequestSecret == "" {
		errs = append(errs, errors.New("config: auth.request_secret is required"))
	}
	if c.CallbackSecret == "" {
		errs = append(errs, errors.New("config: auth.callback_secret is required"))
	}
	if len(c.ApproverWhitelist) == 0 {
		errs = append(errs, errors.New("config: auth.approver_whitelist must list at least one approver"))
	}
	switch c.StoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: store.driver %q must be one of memory|sqlite|postgres", c.StoreDriver))
	}
	if c.StoreDriver == "sqlite" && c.SQLitePath == "" {
		errs = append(errs, errors.New("config: store.sqlite_path is required when store.driver is sqlite"))
	}
	if c.StoreDriver == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("config: store.postgres_dsn is required when store.driver is postgres"))
	}
	if c.Upload.MaxExpirySeconds > 3600 {
		errs = append(errs, errors.New("config: upload.max_expiry_seconds must not exceed 3600"))
	}
	if c.Grant.TTLMaxMinutes > 60 {
		errs = append(errs, errors.New("config: grant.ttl_max_minutes must not exceed 60"))
	}
	return errors.Join(errs...)
}

// SetDefaults registers every tunable's default with v. cmd/root.go calls it
// at startup; flags, environment variables and the config file override
// these values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("trust.ttl_minutes", 15)
	v.SetDefault("trust.commands_max", 20)
	v.SetDefault("trust.uploads_max", 10)
	v.SetDefault("trust.bytes_max", int64(100*1024*1024))
	v.SetDefault("grant.ttl_max_minutes", 60)
	v.SetDefault("grant.max_commands", 20)
	v.SetDefault("grant.max_executions", 100)
	v.SetDefault("rate.window_seconds", 60)
	v.SetDefault("rate.max_in_window", 30)
	v.SetDefault("approval.expiry_seconds", 900)
	v.SetDefault("approval.expiry_seconds_high_sensitivity", 300)
	v.SetDefault("paging.max_chars", 3500)
	v.SetDefault("paging.ttl", 10*time.Minute)
	v.SetDefault("notifier.kind", "webhook")
	v.SetDefault("upload.max_expiry_seconds", 900)
	v.SetDefault("upload.max_batch_files", 50)
}
