package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/service"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cloud    CloudConfig
	Auth     AuthConfig
	OIDC     OIDCConfig
	Workflow WorkflowConfig
	Notify   NotifyConfig
	Sweep    SweepConfig
	Cache    CacheConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverDynamo   = "dynamodb"
)

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver           string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN              string `env:"DB_DSN" envDefault:"data/rentals.db"`
	BadgerPath       string `env:"BADGER_PATH" envDefault:"data/badger"`
	PermissionsTable string `env:"PERMISSIONS_TABLE_NAME" envDefault:"permissions"`
	RegionalTable    string `env:"REGIONAL_DATA_TABLE_NAME" envDefault:"regional-data"`
	StateTable       string `env:"STATE_TABLE_NAME" envDefault:"state"`
	// SeedFile is applied at startup when set.
	SeedFile string `env:"SEED_FILE"`
}

// Cloud providers.
const (
	CloudShim = "shim"
	CloudAWS  = "aws"
)

// TagList is the TAG_CONFIG JSON array of instance tags.
type TagList []service.Tag

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TagList) UnmarshalText(text []byte) error {
	var tags []service.Tag
	if err := json.Unmarshal(text, &tags); err != nil {
		return fmt.Errorf("TAG_CONFIG must be a JSON array of tags: %w", err)
	}
	*t = tags
	return nil
}

// CloudConfig holds the orchestration provider configuration.
type CloudConfig struct {
	Provider             string  `env:"CLOUD_PROVIDER" envDefault:"shim"`
	Region               string  `env:"AWS_REGION"`
	AdminRoleARN         string  `env:"STACK_SET_ADMIN_ROLE_ARN"`
	ExecutionRoleName    string  `env:"STACK_SET_EXECUTION_ROLE_NAME"`
	CrossAccountRoleName string  `env:"CROSS_ACCOUNT_ROLE_NAME"`
	LiveCapacity         bool    `env:"LIVE_CAPACITY" envDefault:"false"`
	ProjectName          string  `env:"PROJECT_NAME" envDefault:"rental"`
	TemplateBucket       string  `env:"INSTANCE_TEMPLATE_BUCKET"`
	DefaultAccount       string  `env:"DEFAULT_ACCOUNT"`
	SingleAccount        bool    `env:"SINGLE_ACCOUNT" envDefault:"false"`
	Tags                 TagList `env:"TAG_CONFIG"`
}

// Scope returns the account scope of the deployment.
func (c *CloudConfig) Scope() domain.AccountScope {
	return domain.AccountScope{DefaultAccount: c.DefaultAccount, SingleAccount: c.SingleAccount}
}

// Identity sources.
const (
	AuthHeader = "header"
	AuthOIDC   = "oidc"
)

// AuthConfig holds caller identity configuration.
type AuthConfig struct {
	Mode           string `env:"AUTH_MODE" envDefault:"header"`
	AdminGroupName string `env:"ADMIN_GROUP_NAME" envDefault:"admin"`
	EmailClaim     string `env:"AUTH_EMAIL_CLAIM" envDefault:"email"`
	UsernameClaim  string `env:"AUTH_USERNAME_CLAIM" envDefault:"name"`
	GroupsClaim    string `env:"AUTH_GROUPS_CLAIM" envDefault:"groups"`
	// InternalAPIKey enables the internal workflow API when set.
	InternalAPIKey string `env:"INTERNAL_API_KEY"`
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Enabled         bool          `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL       string        `env:"OIDC_ISSUER_URL"`
	ClientID        string        `env:"OIDC_CLIENT_ID"`
	ClientSecret    string        `env:"OIDC_CLIENT_SECRET"`
	RedirectURL     string        `env:"OIDC_REDIRECT_URL"`
	Scopes          string        `env:"OIDC_SCOPES" envDefault:"openid,email,profile"`
	SessionSecret   string        `env:"OIDC_SESSION_SECRET"`
	SessionDuration time.Duration `env:"OIDC_SESSION_DURATION" envDefault:"12h"`
	SecureCookies   bool          `env:"OIDC_SECURE_COOKIES" envDefault:"true"`
	AllowedDomains  string        `env:"OIDC_ALLOWED_DOMAINS"`
	LandingURL      string        `env:"OIDC_LANDING_URL" envDefault:"/"`
}

// GetScopes returns the OIDC scopes as a slice.
func (c *OIDCConfig) GetScopes() []string {
	if c.Scopes == "" {
		return []string{"openid", "email", "profile"}
	}
	return strings.Split(c.Scopes, ",")
}

// GetAllowedDomains returns the allowed domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// GetSessionSecretBytes returns the session secret as bytes.
func (c *OIDCConfig) GetSessionSecretBytes() ([]byte, error) {
	if c.SessionSecret == "" {
		return nil, fmt.Errorf("OIDC_SESSION_SECRET is required")
	}
	// 64 hex characters decode to 32 bytes
	if len(c.SessionSecret) == 64 {
		decoded, err := hex.DecodeString(c.SessionSecret)
		if err == nil {
			return decoded, nil
		}
	}
	if len(c.SessionSecret) != 32 {
		return nil, fmt.Errorf("OIDC_SESSION_SECRET must be 32 bytes (or 64 hex characters)")
	}
	return []byte(c.SessionSecret), nil
}

// Workflow triggers.
const (
	TriggerLocal = "local"
	TriggerSFN   = "sfn"
	TriggerNATS  = "nats"
)

// WorkflowConfig holds the asynchronous workflow configuration.
type WorkflowConfig struct {
	Trigger          string        `env:"WORKFLOW_TRIGGER" envDefault:"local"`
	ProvisionARN     string        `env:"PROVISION_STATE_MACHINE_ARN"`
	UpdateARN        string        `env:"UPDATE_STATE_MACHINE_ARN"`
	CleanupARN       string        `env:"CLEANUP_STATE_MACHINE_ARN"`
	NATSURL          string        `env:"NATS_URL"`
	NATSSubject      string        `env:"NATS_SUBJECT_PREFIX" envDefault:"rental.workflow"`
	Subscribe        bool          `env:"WORKFLOW_SUBSCRIBE" envDefault:"true"`
	PollInterval     time.Duration `env:"WORKFLOW_POLL_INTERVAL" envDefault:"15s"`
	MaxPollInterval  time.Duration `env:"WORKFLOW_MAX_POLL_INTERVAL" envDefault:"2m"`
	Timeout          time.Duration `env:"WORKFLOW_TIMEOUT" envDefault:"2h"`
	AnswerTaskTokens bool          `env:"WORKFLOW_TASK_TOKENS" envDefault:"false"`
}

// StateMachines maps workflow names to state machine ARNs.
func (c *WorkflowConfig) StateMachines() map[string]string {
	return map[string]string{
		"provision": c.ProvisionARN,
		"update":    c.UpdateARN,
		"cleanup":   c.CleanupARN,
	}
}

// Notification modes.
const (
	NotifyLog = "log"
	NotifySES = "ses"
)

// NotifyConfig holds email and alert configuration.
type NotifyConfig struct {
	Mode              string `env:"NOTIFY_MODE" envDefault:"log"`
	NotificationEmail string `env:"NOTIFICATION_EMAIL"`
	AdminEmail        string `env:"ADMIN_EMAIL"`
	ErrorTopicARN     string `env:"ERROR_TOPIC_ARN"`
}

// SweepConfig holds the expiry sweep configuration.
type SweepConfig struct {
	Enabled     bool          `env:"SWEEP_ENABLED" envDefault:"true"`
	Interval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
	NoticeHours []int         `env:"CLEANUP_NOTICE_NOTIFICATION_HOURS" envSeparator:"," envDefault:"24,1"`
}

// CacheConfig holds the resolver cache configuration.
type CacheConfig struct {
	TTL        time.Duration `env:"CACHE_TTL" envDefault:"600s"`
	MaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"1024"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name string
		v    any
	}{
		{"server", &cfg.Server},
		{"database", &cfg.Database},
		{"cloud", &cfg.Cloud},
		{"auth", &cfg.Auth},
		{"oidc", &cfg.OIDC},
		{"workflow", &cfg.Workflow},
		{"notify", &cfg.Notify},
		{"sweep", &cfg.Sweep},
		{"cache", &cfg.Cache},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if err := env.Parse(s.v); err != nil {
			return nil, fmt.Errorf("parsing %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	drivers := []string{DriverMemory, DriverSQLite, DriverPostgres, DriverBadger, DriverDynamo}
	if !slices.Contains(drivers, c.Database.Driver) {
		return fmt.Errorf("DB_DRIVER must be one of %s", strings.Join(drivers, ", "))
	}

	switch c.Cloud.Provider {
	case CloudShim:
	case CloudAWS:
		if c.Cloud.AdminRoleARN == "" {
			return fmt.Errorf("STACK_SET_ADMIN_ROLE_ARN is required for the aws provider")
		}
		if c.Cloud.ExecutionRoleName == "" {
			return fmt.Errorf("STACK_SET_EXECUTION_ROLE_NAME is required for the aws provider")
		}
		if c.Cloud.TemplateBucket == "" {
			return fmt.Errorf("INSTANCE_TEMPLATE_BUCKET is required for the aws provider")
		}
	default:
		return fmt.Errorf("CLOUD_PROVIDER must be %s or %s", CloudShim, CloudAWS)
	}
	if c.Cloud.SingleAccount && c.Cloud.DefaultAccount == "" {
		return fmt.Errorf("DEFAULT_ACCOUNT is required in single account mode")
	}
	if len(c.Cloud.Tags) != 0 && len(c.Cloud.Tags) != service.TagCount {
		return fmt.Errorf("TAG_CONFIG must hold exactly %d tags, got %d", service.TagCount, len(c.Cloud.Tags))
	}

	switch c.Auth.Mode {
	case AuthHeader:
	case AuthOIDC:
		if c.OIDC.IssuerURL == "" || c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_ISSUER_URL and OIDC_CLIENT_ID are required for oidc auth")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %s or %s", AuthHeader, AuthOIDC)
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
		if c.OIDC.ClientSecret == "" {
			return fmt.Errorf("OIDC_CLIENT_SECRET is required when OIDC is enabled")
		}
		if c.OIDC.RedirectURL == "" {
			return fmt.Errorf("OIDC_REDIRECT_URL is required when OIDC is enabled")
		}
		if _, err := c.OIDC.GetSessionSecretBytes(); err != nil {
			return err
		}
	}

	switch c.Workflow.Trigger {
	case TriggerLocal:
	case TriggerSFN:
		for name, arn := range c.Workflow.StateMachines() {
			if arn == "" {
				return fmt.Errorf("a state machine ARN for the %s workflow is required for the sfn trigger", name)
			}
		}
	case TriggerNATS:
		if c.Workflow.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required for the nats trigger")
		}
	default:
		return fmt.Errorf("WORKFLOW_TRIGGER must be one of %s, %s, %s", TriggerLocal, TriggerSFN, TriggerNATS)
	}
	if c.Workflow.AnswerTaskTokens && c.Auth.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required to answer task tokens")
	}

	switch c.Notify.Mode {
	case NotifyLog:
	case NotifySES:
		if c.Notify.NotificationEmail == "" {
			return fmt.Errorf("NOTIFICATION_EMAIL is required for ses notifications")
		}
	default:
		return fmt.Errorf("NOTIFY_MODE must be %s or %s", NotifyLog, NotifySES)
	}

	for _, h := range c.Sweep.NoticeHours {
		if h < 0 {
			return fmt.Errorf("CLEANUP_NOTICE_NOTIFICATION_HOURS must not be negative")
		}
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}

	return nil
}
