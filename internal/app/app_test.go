package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bcnelson/instance-rental/internal/app"
	"github.com/bcnelson/instance-rental/internal/auth"
	"github.com/bcnelson/instance-rental/internal/config"
	"github.com/bcnelson/instance-rental/internal/logging"
)

const seedFile = `
permissions:
  - group: private
    instance-types: [t3.micro]
    max-instance-count: 3
    max-extension-count: 1
    max-days-to-expiry: 5
    operating-systems:
      - name: ubuntu
        connection-protocol: ssh
        template-filename: ubuntu.yaml
        user-data-file: ubuntu.sh
        regions:
          us-east-1:
            ami: ami-1
            security-group: sg-1
            instance-profile-name: profile
regional-profiles:
  - region: us-east-1
    vpc-id: vpc-1
    ssh-key-name: key
    subnet-ids: [subnet-a]
`

const identity = `{"authorizer":{"jwt":{"claims":{"email":"alice@example.com","name":"alice","groups":"[private]"}}}}`

func newApp(t *testing.T, env map[string]string) *app.App {
	t.Helper()

	t.Setenv("DB_DRIVER", config.DriverMemory)
	t.Setenv("DEFAULT_ACCOUNT", "111111111111")
	t.Setenv("SINGLE_ACCOUNT", "true")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid config: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logging.Discard(), app.Options{})
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return a
}

func serve(t *testing.T, a *app.App, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router, err := a.Router(context.Background())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestNewAppliesSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedFile), 0600); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}
	a := newApp(t, map[string]string{"SEED_FILE": path})

	req := httptest.NewRequest("GET", "/api/v1/param", nil)
	req.Header.Set(auth.RequestContextHeader, identity)
	rr := serve(t, a, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var params struct {
		MaxInstanceCount int      `json:"max_instance_count"`
		InstanceTypes    []string `json:"instance_types"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &params); err != nil {
		t.Fatalf("Failed to decode params: %v", err)
	}
	if params.MaxInstanceCount != 3 {
		t.Errorf("Expected max_instance_count 3, got %d", params.MaxInstanceCount)
	}
	if len(params.InstanceTypes) != 1 || params.InstanceTypes[0] != "t3.micro" {
		t.Errorf("Expected [t3.micro], got %v", params.InstanceTypes)
	}
}

func TestNewMissingSeedFile(t *testing.T) {
	t.Setenv("DB_DRIVER", config.DriverMemory)
	t.Setenv("SEED_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if _, err := app.New(context.Background(), cfg, logging.Discard(), app.Options{}); err == nil {
		t.Error("Expected error for missing seed file")
	}
}

func TestInternalAPIRequiresKey(t *testing.T) {
	a := newApp(t, nil)

	rr := serve(t, a, httptest.NewRequest("GET", "/internal/v1/wait?stackset_id=x", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 without INTERNAL_API_KEY, got %d", rr.Code)
	}

	a = newApp(t, map[string]string{"INTERNAL_API_KEY": "secret"})
	req := httptest.NewRequest("POST", "/internal/v1/cleanupSchedule", nil)
	req.Header.Set("X-Internal-Key", "secret")
	rr = serve(t, a, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with key, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newApp(t, nil)

	rr := serve(t, a, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := app.NewLogger(config.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Errorf("Expected valid logger, got %v", err)
	}
	if _, err := app.NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}
