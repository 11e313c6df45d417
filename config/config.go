package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Inspection expiry policies applied when a buyer lets the inspection window lapse.
const (
	InspectionPolicyNone        = "none"
	InspectionPolicyAutoApprove = "auto_approve"
	InspectionPolicyAutoDispute = "auto_dispute"
)

// Config captures runtime configuration for the escrow service.
type Config struct {
	ServiceName   string `toml:"ServiceName"`
	Environment   string `toml:"Environment"`
	ListenAddress string `toml:"ListenAddress"`
	DatabaseURL   string `toml:"DatabaseURL"`
	AuditDBPath   string `toml:"AuditDBPath"`
	JWTSecret     string `toml:"JWTSecret"`

	Log      LogConfig      `toml:"Log"`
	Escrow   EscrowConfig   `toml:"Escrow"`
	Notify   NotifyConfig   `toml:"Notify"`
	Dispatch DispatchConfig `toml:"Dispatch"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// EscrowConfig holds the commercial and compliance parameters of the state machine.
type EscrowConfig struct {
	FeeRate               string `toml:"FeeRate"`
	MinPrice              string `toml:"MinPrice"`
	KYCThreshold          string `toml:"KYCThreshold"`
	DualApprovalThreshold string `toml:"DualApprovalThreshold"`
	DefaultInspectionDays int    `toml:"DefaultInspectionDays"`
	MaxInspectionDays     int    `toml:"MaxInspectionDays"`
	TransactionExpiryDays int    `toml:"TransactionExpiryDays"`
	InspectionPolicy      string `toml:"InspectionPolicy"`
	SweepInterval         string `toml:"SweepInterval"`
}

// NotifyConfig configures the critical-notification ledger.
type NotifyConfig struct {
	ConfirmationDeadline string   `toml:"ConfirmationDeadline"`
	SweepInterval        string   `toml:"SweepInterval"`
	EscalationRecipients []string `toml:"EscalationRecipients"`
	// WebsocketOrigins lists extra origin host patterns allowed to open the
	// notification stream. Same-origin requests are always accepted.
	WebsocketOrigins     []string `toml:"WebsocketOrigins"`
}

// DispatchConfig configures asynchronous delivery.
type DispatchConfig struct {
	Workers        int     `toml:"Workers"`
	QueueSize      int     `toml:"QueueSize"`
	MaxAttempts    int     `toml:"MaxAttempts"`
	InitialBackoff string  `toml:"InitialBackoff"`
	RatePerSecond  float64 `toml:"RatePerSecond"`
	PushWebhookURL string  `toml:"PushWebhookURL"`
	PushWebhookKey string  `toml:"PushWebhookKey"`
}

// Default returns the configuration used when neither a file nor environment overrides are present.
func Default() Config {
	return Config{
		ServiceName:   "escrowflow",
		Environment:   "development",
		ListenAddress: ":8080",
		AuditDBPath:   "notification-audit.db",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Escrow: EscrowConfig{
			FeeRate:               "0.025",
			MinPrice:              "100",
			KYCThreshold:          "10000",
			DualApprovalThreshold: "50000",
			DefaultInspectionDays: 3,
			MaxInspectionDays:     30,
			TransactionExpiryDays: 30,
			InspectionPolicy:      InspectionPolicyNone,
			SweepInterval:         "1m",
		},
		Notify: NotifyConfig{
			ConfirmationDeadline: "24h",
			SweepInterval:        "1m",
		},
		Dispatch: DispatchConfig{
			Workers:        4,
			QueueSize:      1024,
			MaxAttempts:    5,
			InitialBackoff: "500ms",
			RatePerSecond:  20,
		},
	}
}

// Load reads a TOML file on top of the defaults and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ESCROW_* variables resolved through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", key, err)
		}
		*dst = v
		return nil
	}

	str("ESCROW_ENV", &c.Environment)
	str("ESCROW_LISTEN", &c.ListenAddress)
	str("DATABASE_URL", &c.DatabaseURL)
	str("ESCROW_AUDIT_DB", &c.AuditDBPath)
	str("ESCROW_JWT_SECRET", &c.JWTSecret)
	str("ESCROW_LOG_LEVEL", &c.Log.Level)
	str("ESCROW_LOG_FILE", &c.Log.File)
	str("ESCROW_FEE_RATE", &c.Escrow.FeeRate)
	str("ESCROW_MIN_PRICE", &c.Escrow.MinPrice)
	str("ESCROW_KYC_THRESHOLD", &c.Escrow.KYCThreshold)
	str("ESCROW_DUAL_APPROVAL_THRESHOLD", &c.Escrow.DualApprovalThreshold)
	str("ESCROW_INSPECTION_POLICY", &c.Escrow.InspectionPolicy)
	str("ESCROW_SWEEP_INTERVAL", &c.Escrow.SweepInterval)
	str("ESCROW_CONFIRMATION_DEADLINE", &c.Notify.ConfirmationDeadline)
	str("ESCROW_NOTIFY_SWEEP_INTERVAL", &c.Notify.SweepInterval)
	str("ESCROW_DISPATCH_BACKOFF", &c.Dispatch.InitialBackoff)
	str("ESCROW_PUSH_WEBHOOK_URL", &c.Dispatch.PushWebhookURL)
	str("ESCROW_PUSH_WEBHOOK_KEY", &c.Dispatch.PushWebhookKey)

	if raw := strings.TrimSpace(getenv("ESCROW_ESCALATION_RECIPIENTS")); raw != "" {
		c.Notify.EscalationRecipients = splitList(raw)
	}
	if raw := strings.TrimSpace(getenv("ESCROW_WS_ORIGINS")); raw != "" {
		c.Notify.WebsocketOrigins = splitList(raw)
	}
	if raw := strings.TrimSpace(getenv("ESCROW_DISPATCH_RATE")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("config: parse ESCROW_DISPATCH_RATE: %w", err)
		}
		c.Dispatch.RatePerSecond = v
	}

	for key, dst := range map[string]*int{
		"ESCROW_DEFAULT_INSPECTION_DAYS": &c.Escrow.DefaultInspectionDays,
		"ESCROW_MAX_INSPECTION_DAYS":     &c.Escrow.MaxInspectionDays,
		"ESCROW_TRANSACTION_EXPIRY_DAYS": &c.Escrow.TransactionExpiryDays,
		"ESCROW_DISPATCH_WORKERS":        &c.Dispatch.Workers,
		"ESCROW_DISPATCH_QUEUE":          &c.Dispatch.QueueSize,
		"ESCROW_DISPATCH_ATTEMPTS":       &c.Dispatch.MaxAttempts,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that every value parses and falls into its accepted range.
func (c Config) Validate() error {
	var errs []error

	rate, err := decimal.NewFromString(c.Escrow.FeeRate)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("config: fee rate: %w", err))
	case rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		errs = append(errs, errors.New("config: fee rate must be within [0, 1)"))
	}
	for name, raw := range map[string]string{
		"min price":               c.Escrow.MinPrice,
		"kyc threshold":           c.Escrow.KYCThreshold,
		"dual approval threshold": c.Escrow.DualApprovalThreshold,
	} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			continue
		}
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", name))
		}
	}

	if c.Escrow.MaxInspectionDays < 1 || c.Escrow.MaxInspectionDays > 30 {
		errs = append(errs, errors.New("config: max inspection days must be between 1 and 30"))
	}
	if c.Escrow.DefaultInspectionDays < 1 || c.Escrow.DefaultInspectionDays > c.Escrow.MaxInspectionDays {
		errs = append(errs, errors.New("config: default inspection days must be between 1 and the maximum"))
	}
	if c.Escrow.TransactionExpiryDays <= 0 {
		errs = append(errs, errors.New("config: transaction expiry days must be positive"))
	}
	switch c.Escrow.InspectionPolicy {
	case InspectionPolicyNone, InspectionPolicyAutoApprove, InspectionPolicyAutoDispute:
	default:
		errs = append(errs, fmt.Errorf("config: unsupported inspection policy %q", c.Escrow.InspectionPolicy))
	}

	for name, raw := range map[string]string{
		"escrow sweep interval":       c.Escrow.SweepInterval,
		"notification sweep interval": c.Notify.SweepInterval,
		"confirmation deadline":       c.Notify.ConfirmationDeadline,
		"dispatch backoff":            c.Dispatch.InitialBackoff,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}

	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("config: dispatch workers must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("config: dispatch queue size must be positive"))
	}
	if c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("config: dispatch attempts must be positive"))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("config: dispatch rate must not be negative"))
	}
	if c.Dispatch.PushWebhookURL != "" && c.Dispatch.PushWebhookKey == "" {
		errs = append(errs, errors.New("config: push webhook key is required when a push webhook URL is set"))
	}

	return errors.Join(errs...)
}

// FeeRate returns the parsed escrow fee rate. Callers must run Validate first.
func (c Config) FeeRate() decimal.Decimal { return mustDecimal(c.Escrow.FeeRate) }

// MinPrice returns the parsed minimum transaction price.
func (c Config) MinPrice() decimal.Decimal { return mustDecimal(c.Escrow.MinPrice) }

// KYCThreshold returns the amount above which full KYC is required.
func (c Config) KYCThreshold() decimal.Decimal { return mustDecimal(c.Escrow.KYCThreshold) }

// DualApprovalThreshold returns the amount above which releases need both parties' confirmation.
func (c Config) DualApprovalThreshold() decimal.Decimal {
	return mustDecimal(c.Escrow.DualApprovalThreshold)
}

// EscrowSweepInterval returns the cadence of the transaction expiry sweep.
func (c Config) EscrowSweepInterval() time.Duration { return mustDuration(c.Escrow.SweepInterval) }

// NotifySweepInterval returns the cadence of the notification expiry sweep.
func (c Config) NotifySweepInterval() time.Duration { return mustDuration(c.Notify.SweepInterval) }

// ConfirmationDeadline returns how long a critical notification may stay pending.
func (c Config) ConfirmationDeadline() time.Duration {
	return mustDuration(c.Notify.ConfirmationDeadline)
}

// DispatchBackoff returns the initial retry interval for failed deliveries.
func (c Config) DispatchBackoff() time.Duration { return mustDuration(c.Dispatch.InitialBackoff) }

func mustDecimal(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		panic(fmt.Sprintf("config: invalid decimal %q: %v", raw, err))
	}
	return v
}

func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		panic(fmt.Sprintf("config: invalid duration %q: %v", raw, err))
	}
	return d
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
