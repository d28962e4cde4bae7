/**
 * @description
 * Configuration for the ACH service. Settings are namespaced from the start
 * (`sftp.host`, `nacha.company_id`, ...) and read from environment variables
 * (`SFTP_HOST`, `NACHA_COMPANY_ID`, ...) or an optional .env file. One typed
 * Config is built in main and injected into every component.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding, defaults and unmarshalling.
 * - github.com/joho/godotenv: optional .env file for local development.
 */
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/transfa/ach-service/internal/domain"
)

// Config holds every setting of the ACH service.
type Config struct {
	ServerPort     string `mapstructure:"server_port"`
	DatabaseURL    string `mapstructure:"database_url"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisPrefix    string `mapstructure:"redis_rate_limit_prefix"`
	RabbitMQURL    string `mapstructure:"rabbitmq_url"`
	EventExchange  string `mapstructure:"event_exchange"`
	InternalAPIKey string `mapstructure:"internal_api_key"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	LogLevel       string `mapstructure:"log_level"`

	Security     SecurityConfig     `mapstructure:"security"`
	SFTP         SFTPConfig         `mapstructure:"sftp"`
	NACHA        NACHAConfig        `mapstructure:"nacha"`
	ACH          ACHConfig          `mapstructure:"ach"`
	Verification VerificationConfig `mapstructure:"verification"`
}

// SecurityConfig holds the root secret the data key is derived from.
// PreviousMasterKey is only set while a key rotation is being completed.
type SecurityConfig struct {
	MasterKey         string `mapstructure:"master_key"`
	PreviousMasterKey string `mapstructure:"previous_master_key"`
}

// SFTPConfig describes the processor endpoint. Secrets are not here; they live
// encrypted in the vault.
type SFTPConfig struct {
	Transport       string        `mapstructure:"transport"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	AuthMethod      string        `mapstructure:"auth_method"`
	HostKey         string        `mapstructure:"host_key"`
	UploadDir       string        `mapstructure:"upload_dir"`
	ReturnsDir      string        `mapstructure:"returns_dir"`
	LocalRoot       string        `mapstructure:"local_root"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect_backoff"`
}

// NACHAConfig holds the originator profile written into every file.
type NACHAConfig struct {
	ImmediateDestination     string `mapstructure:"immediate_destination"`
	ImmediateDestinationName string `mapstructure:"immediate_destination_name"`
	ImmediateOrigin          string `mapstructure:"immediate_origin"`
	ImmediateOriginName      string `mapstructure:"immediate_origin_name"`
	CompanyName              string `mapstructure:"company_name"`
	CompanyID                string `mapstructure:"company_id"`
	CompanyDiscretionaryData string `mapstructure:"company_discretionary_data"`
	OriginatingDFI           string `mapstructure:"originating_dfi"`
	SECCode                  string `mapstructure:"sec_code"`
	EntryDescription         string `mapstructure:"entry_description"`
	EffectiveDays            int    `mapstructure:"effective_days"`
}

// ACHConfig controls batch lifecycle, schedule and order statuses.
type ACHConfig struct {
	PaymentMethod                   string        `mapstructure:"payment_method"`
	EligibleStatus                  string        `mapstructure:"eligible_status"`
	ExportedStatus                  string        `mapstructure:"exported_status"`
	CompletedStatus                 string        `mapstructure:"completed_status"`
	FailedStatus                    string        `mapstructure:"failed_status"`
	ScheduleTimes                   []string      `mapstructure:"schedule_times"`
	Timezone                        string        `mapstructure:"timezone"`
	ReconcileSchedule               string        `mapstructure:"reconcile_schedule"`
	RetrySchedule                   string        `mapstructure:"retry_schedule"`
	SettlementSchedule              string        `mapstructure:"settlement_schedule"`
	MaxAttempts                     int           `mapstructure:"max_attempts"`
	SettlementDays                  int           `mapstructure:"settlement_days"`
	RetentionDays                   int           `mapstructure:"retention_days"`
	ClearBankDetailsAfterSettlement bool          `mapstructure:"clear_bank_details_after_settlement"`
	StorageDir                      string        `mapstructure:"storage_dir"`
	RunTimeout                      time.Duration `mapstructure:"run_timeout"`
	LockStaleAfter                  time.Duration `mapstructure:"lock_stale_after"`
	MaxEntriesPerFile               int           `mapstructure:"max_entries_per_file"`
}

// VerificationConfig controls the customer bank verification flow.
type VerificationConfig struct {
	Method              string        `mapstructure:"method"`
	RequiredDocuments   []string      `mapstructure:"required_documents"`
	DocumentDir         string        `mapstructure:"document_dir"`
	MaxDocumentBytes    int64         `mapstructure:"max_document_bytes"`
	HandoffTTL          time.Duration `mapstructure:"handoff_ttl"`
	HandoffRateLimit    int           `mapstructure:"handoff_rate_limit"`
	HandoffWindow       time.Duration `mapstructure:"handoff_window"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"`
	AllowAccountWarning bool          `mapstructure:"allow_account_warning"`
}

// Verification methods.
const (
	VerificationManual    = "manual"
	VerificationAutomated = "automated"
)

// Transport strategies.
const (
	TransportSFTP  = "sftp"
	TransportLocal = "local"
)

var defaults = map[string]any{
	"server_port":             "8080",
	"redis_rate_limit_prefix": "ach:rate_limit",
	"event_exchange":          "ach.events",
	"log_level":               "info",

	"sftp.transport":        TransportSFTP,
	"sftp.port":             22,
	"sftp.auth_method":      "password",
	"sftp.upload_dir":       "/outbound",
	"sftp.returns_dir":      "/returns",
	"sftp.timeout":          "30s",
	"sftp.connect_attempts": 3,
	"sftp.connect_backoff":  "2s",

	"nacha.sec_code":          "PPD",
	"nacha.entry_description": "PAYMENT",
	"nacha.effective_days":    1,

	"ach.payment_method":                      "ach",
	"ach.eligible_status":                     "on-hold",
	"ach.exported_status":                     "processing",
	"ach.completed_status":                    "completed",
	"ach.failed_status":                       "failed",
	"ach.schedule_times":                      []string{"13:00", "00:00"},
	"ach.timezone":                            "America/Los_Angeles",
	"ach.reconcile_schedule":                  "15 * * * *",
	"ach.retry_schedule":                      "20,50 * * * *",
	"ach.settlement_schedule":                 "30 6 * * *",
	"ach.max_attempts":                        3,
	"ach.settlement_days":                     3,
	"ach.retention_days":                      90,
	"ach.clear_bank_details_after_settlement": true,
	"ach.storage_dir":                         "/var/lib/ach-service/files",
	"ach.run_timeout":                         "30s",
	"ach.lock_stale_after":                    "30m",
	"ach.max_entries_per_file":                5000,

	"verification.method":                VerificationManual,
	"verification.required_documents":    []string{string(domain.DocGovernmentIDFront), string(domain.DocGovernmentIDBack), string(domain.DocBankProof)},
	"verification.document_dir":          "/var/lib/ach-service/documents",
	"verification.max_document_bytes":    10 << 20,
	"verification.handoff_ttl":           "30m",
	"verification.handoff_rate_limit":    10,
	"verification.handoff_window":        "1h",
	"verification.session_ttl":           "72h",
	"verification.allow_account_warning": false,
}

// LoadConfig reads configuration from the environment and an optional .env
// file in path.
func LoadConfig(path string) (*Config, error) {
	envFile := filepath.Join(path, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("level=warn component=config msg=\"failed to read .env file; using environment values\" err=%v", err)
	}

	v := viper.GetViper()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys() {
		_ = v.BindEnv(key, envName(key))
	}
	_ = v.BindEnv("server_port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("security.master_key", "SECURITY_MASTER_KEY", "ACH_ENCRYPTION_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// keys lists every namespaced key so that env-only values reach Unmarshal.
func keys() []string {
	out := []string{
		"database_url", "redis_url", "rabbitmq_url", "internal_api_key", "jwt_secret",
		"security.master_key", "security.previous_master_key",
		"sftp.host", "sftp.username", "sftp.host_key", "sftp.local_root",
		"nacha.immediate_destination", "nacha.immediate_destination_name",
		"nacha.immediate_origin", "nacha.immediate_origin_name",
		"nacha.company_name", "nacha.company_id", "nacha.company_discretionary_data",
		"nacha.originating_dfi",
	}
	for key := range defaults {
		out = append(out, key)
	}
	return out
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func (c *Config) normalize() {
	c.SFTP.Transport = strings.ToLower(strings.TrimSpace(c.SFTP.Transport))
	c.SFTP.AuthMethod = strings.ToLower(strings.TrimSpace(c.SFTP.AuthMethod))
	c.Verification.Method = strings.ToLower(strings.TrimSpace(c.Verification.Method))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisPrefix), ":")
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	if c.NACHA.OriginatingDFI == "" && len(c.NACHA.ImmediateDestination) >= 8 {
		c.NACHA.OriginatingDFI = c.NACHA.ImmediateDestination[:8]
	}
	if c.NACHA.ImmediateOrigin == "" {
		c.NACHA.ImmediateOrigin = c.NACHA.CompanyID
	}
	if c.NACHA.ImmediateOriginName == "" {
		c.NACHA.ImmediateOriginName = c.NACHA.CompanyName
	}
	for i, t := range c.ACH.ScheduleTimes {
		c.ACH.ScheduleTimes[i] = strings.TrimSpace(t)
	}
}

// validate reports settings the service cannot boot without. Settings that
// only a batch run needs are checked by RunPreflight so the wizard API stays
// available while the processor profile is incomplete.
func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("%w: DATABASE_URL is required", domain.ErrConfiguration)
	}
	if len(c.Security.MasterKey) < 32 {
		return fmt.Errorf("%w: SECURITY_MASTER_KEY must be at least 32 bytes", domain.ErrConfiguration)
	}
	if c.Security.PreviousMasterKey != "" && len(c.Security.PreviousMasterKey) < 32 {
		return fmt.Errorf("%w: SECURITY_PREVIOUS_MASTER_KEY must be at least 32 bytes", domain.ErrConfiguration)
	}
	if _, err := time.LoadLocation(c.ACH.Timezone); err != nil {
		return fmt.Errorf("%w: ACH_TIMEZONE %q: %v", domain.ErrConfiguration, c.ACH.Timezone, err)
	}
	for _, t := range c.ACH.ScheduleTimes {
		if _, _, err := ParseClock(t); err != nil {
			return fmt.Errorf("%w: ACH_SCHEDULE_TIMES: %v", domain.ErrConfiguration, err)
		}
	}
	if c.ACH.MaxAttempts < 1 {
		return fmt.Errorf("%w: ACH_MAX_ATTEMPTS must be positive", domain.ErrConfiguration)
	}
	switch c.SFTP.Transport {
	case TransportSFTP, TransportLocal:
	default:
		return fmt.Errorf("%w: SFTP_TRANSPORT must be %q or %q", domain.ErrConfiguration, TransportSFTP, TransportLocal)
	}
	switch c.Verification.Method {
	case VerificationManual, VerificationAutomated:
	default:
		return fmt.Errorf("%w: VERIFICATION_METHOD must be %q or %q", domain.ErrConfiguration, VerificationManual, VerificationAutomated)
	}
	return nil
}

// RunPreflight checks the settings a batch run needs. A failure aborts the
// run before any batch is created.
func (c *Config) RunPreflight() error {
	var missing []string
	if c.SFTP.Transport == TransportSFTP {
		if strings.TrimSpace(c.SFTP.Host) == "" {
			missing = append(missing, "SFTP_HOST")
		}
		if strings.TrimSpace(c.SFTP.Username) == "" {
			missing = append(missing, "SFTP_USERNAME")
		}
		if strings.TrimSpace(c.SFTP.HostKey) == "" {
			missing = append(missing, "SFTP_HOST_KEY")
		}
	}
	if c.SFTP.Transport == TransportLocal && strings.TrimSpace(c.SFTP.LocalRoot) == "" {
		missing = append(missing, "SFTP_LOCAL_ROOT")
	}
	if strings.TrimSpace(c.NACHA.CompanyID) == "" {
		missing = append(missing, "NACHA_COMPANY_ID")
	}
	if strings.TrimSpace(c.NACHA.CompanyName) == "" {
		missing = append(missing, "NACHA_COMPANY_NAME")
	}
	if len(c.NACHA.ImmediateDestination) != 9 {
		missing = append(missing, "NACHA_IMMEDIATE_DESTINATION")
	}
	if len(c.NACHA.OriginatingDFI) != 8 {
		missing = append(missing, "NACHA_ORIGINATING_DFI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid %s", domain.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// Location returns the configured ACH timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ACH.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", value)
	}
	return t.Hour(), t.Minute(), nil
}

// MasterKey returns the root secret as bytes.
func (c *Config) MasterKey() []byte {
	return []byte(c.Security.MasterKey)
}

// PreviousMasterKey returns the read-only root secret, or nil when unset.
func (c *Config) PreviousMasterKey() []byte {
	if c.Security.PreviousMasterKey == "" {
		return nil
	}
	return []byte(c.Security.PreviousMasterKey)
}
