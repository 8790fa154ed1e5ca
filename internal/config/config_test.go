package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Expected 0.0.0.0:8080, got %s", cfg.Server.Addr())
	}
	if cfg.Database.Driver != config.DriverSQLite {
		t.Errorf("Expected sqlite3, got %s", cfg.Database.Driver)
	}
	if !slices.Equal(cfg.Sweep.NoticeHours, []int{24, 1}) {
		t.Errorf("Expected notice hours [24 1], got %v", cfg.Sweep.NoticeHours)
	}
	if cfg.Cache.TTL != 600*time.Second {
		t.Errorf("Expected cache TTL 600s, got %s", cfg.Cache.TTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadTags(t *testing.T) {
	t.Setenv("TAG_CONFIG", `[{"tag-name":"Owner","tag-value":"$email"},{"tag-name":"Team","tag-value":"$group"}]`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Cloud.Tags) != 2 || cfg.Cloud.Tags[0].Value != "$email" {
		t.Errorf("Unexpected tags %+v", cfg.Cloud.Tags)
	}

	t.Setenv("TAG_CONFIG", "not json")
	if _, err := config.Load(); err == nil {
		t.Error("Expected error for malformed TAG_CONFIG")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"aws without roles", map[string]string{"CLOUD_PROVIDER": "aws"}, "STACK_SET_ADMIN_ROLE_ARN"},
		{"single account without default", map[string]string{"SINGLE_ACCOUNT": "true"}, "DEFAULT_ACCOUNT"},
		{"one tag", map[string]string{"TAG_CONFIG": `[{"tag-name":"a","tag-value":"b"}]`}, "TAG_CONFIG"},
		{"sfn without arns", map[string]string{"WORKFLOW_TRIGGER": "sfn"}, "state machine"},
		{"nats without url", map[string]string{"WORKFLOW_TRIGGER": "nats"}, "NATS_URL"},
		{"ses without sender", map[string]string{"NOTIFY_MODE": "ses"}, "NOTIFICATION_EMAIL"},
		{"oidc auth without issuer", map[string]string{"AUTH_MODE": "oidc"}, "OIDC_ISSUER_URL"},
		{"oidc login without secret", map[string]string{
			"OIDC_ENABLED":       "true",
			"OIDC_ISSUER_URL":    "https://issuer.example.com",
			"OIDC_CLIENT_ID":     "client",
			"OIDC_CLIENT_SECRET": "secret",
			"OIDC_REDIRECT_URL":  "https://app.example.com/auth/callback",
		}, "OIDC_SESSION_SECRET"},
		{"task tokens without key", map[string]string{"WORKFLOW_TASK_TOKENS": "true"}, "INTERNAL_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := config.Load()
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("Expected validation error mentioning %s", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestSessionSecretBytes(t *testing.T) {
	c := config.OIDCConfig{SessionSecret: strings.Repeat("ab", 32)}
	key, err := c.GetSessionSecretBytes()
	if err != nil {
		t.Fatalf("Failed to decode hex secret: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("Expected 32 bytes, got %d", len(key))
	}

	c.SessionSecret = "short"
	if _, err := c.GetSessionSecretBytes(); err == nil {
		t.Error("Expected error for short secret")
	}
}
