package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"valid email", "user@example.com", false},
		{"multiple dots", "user.name@example.co.uk", false},
		{"plus addressing", "user+rental@example.com", false},
		{"empty", "", true},
		{"no at", "userexample.com", true},
		{"at at start", "@example.com", true},
		{"at at end", "user@", true},
		{"no dot in domain", "user@localhost", true},
		{"display name", "User <user@example.com>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
		})
	}
}

func TestValidateInstanceName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "build-box", false},
		{"max length", strings.Repeat("a", 255), false},
		{"too long", strings.Repeat("a", 256), true},
		{"blank", "   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstanceName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInstanceName error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		expiry  time.Time
		wantErr bool
	}{
		{"lower bound", now.Add(2 * time.Hour), false},
		{"upper bound", now.AddDate(0, 0, 3), false},
		{"too soon", now.Add(time.Hour), true},
		{"too late", now.AddDate(0, 0, 3).Add(time.Minute), true},
		{"zero", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExpiry(tt.expiry, now, 3)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExpiry error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func testPermissions() *domain.PermissionRecord {
	return &domain.PermissionRecord{
		Group:           "private",
		InstanceTypes:   []string{"t3.micro"},
		MaxDaysToExpiry: 3,
		OperatingSystems: []domain.OperatingSystemProfile{{
			Name:               "ubuntu",
			ConnectionProtocol: domain.ProtocolSSH,
			RegionMap: domain.RegionMap{"111": {"us-east-1": {
				ImageID: "ami-1", SecurityGroup: "sg-1", InstanceProfile: "p",
			}}},
		}},
	}
}

func TestValidateCreateRequest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	caller := &domain.Identity{Email: "user@example.com", Username: "user"}
	valid := func() *domain.CreateRentalRequest {
		return &domain.CreateRentalRequest{
			Account:         "111",
			Region:          "us-east-1",
			InstanceType:    "t3.micro",
			OperatingSystem: "ubuntu",
			Expiry:          now.Add(24 * time.Hour),
			Email:           "user@example.com",
			Username:        "user",
			Group:           "private",
			InstanceName:    "box",
		}
	}

	tests := []struct {
		name      string
		mutate    func(*domain.CreateRentalRequest)
		superuser bool
		field     string
	}{
		{"valid", func(*domain.CreateRentalRequest) {}, false, ""},
		{"unknown account", func(r *domain.CreateRentalRequest) { r.Account = "999" }, false, "account"},
		{"unknown region", func(r *domain.CreateRentalRequest) { r.Region = "eu-west-1" }, false, "region"},
		{"unknown os", func(r *domain.CreateRentalRequest) { r.OperatingSystem = "windows" }, false, "operating_system"},
		{"unknown type", func(r *domain.CreateRentalRequest) { r.InstanceType = "m5.large" }, false, "instance_type"},
		{"expiry too far", func(r *domain.CreateRentalRequest) { r.Expiry = now.AddDate(0, 0, 4) }, false, "expiry"},
		{"other owner", func(r *domain.CreateRentalRequest) { r.Email = "other@example.com" }, false, "email"},
		{"other owner as superuser", func(r *domain.CreateRentalRequest) {
			r.Email = "other@example.com"
			r.Username = "other"
		}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			who := *caller
			who.IsSuperuser = tt.superuser

			err := ValidateCreateRequest(req, testPermissions(), &who, now)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("Expected ValidationErrors, got %v", err)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Expected error on %s, got %s", tt.field, errs[0].Field)
			}
		})
	}
}

func TestValidateUpdateRequest(t *testing.T) {
	perms := testPermissions()
	if err := ValidateUpdateRequest(&domain.UpdateRentalRequest{InstanceType: "t3.micro"}, perms); err != nil {
		t.Errorf("Expected valid update, got %v", err)
	}
	if err := ValidateUpdateRequest(&domain.UpdateRentalRequest{InstanceType: "m5.large"}, perms); err == nil {
		t.Error("Expected error for unpermitted type")
	}
	if err := ValidateUpdateRequest(&domain.UpdateRentalRequest{}, perms); err == nil {
		t.Error("Expected error for missing type")
	}
}
