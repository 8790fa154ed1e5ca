// Package validation checks rental requests against a group's permissions.
package validation

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// MinLeadTime is the earliest expiry accepted for a new rental.
const MinLeadTime = 2 * time.Hour

// MaxInstanceNameLength bounds instance names.
const MaxInstanceNameLength = 255

// ValidateEmail validates an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email must not be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("not a valid email address")
	}
	if !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		return fmt.Errorf("email must have a domain with a dot after '@'")
	}
	return nil
}

// ValidateInstanceName validates a user supplied instance name.
func ValidateInstanceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("instance name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxInstanceNameLength {
		return fmt.Errorf("instance name must be at most %d characters", MaxInstanceNameLength)
	}
	return nil
}

// ValidateExpiry checks that expiry falls within [now+MinLeadTime, now+maxDays].
func ValidateExpiry(expiry, now time.Time, maxDays int) error {
	minDate := now.Add(MinLeadTime)
	maxDate := now.AddDate(0, 0, maxDays)
	if expiry.IsZero() || expiry.Before(minDate) || expiry.After(maxDate) {
		return fmt.Errorf("must be between %s and %s",
			minDate.UTC().Format("2006-01-02 15:04"), maxDate.UTC().Format("2006-01-02 15:04"))
	}
	return nil
}

// ValidateCreateRequest checks a creation request against the permissions of
// the selected group.
func ValidateCreateRequest(req *domain.CreateRentalRequest, perms *domain.PermissionRecord, caller *domain.Identity, now time.Time) error {
	var errs ValidationErrors

	regionMap := perms.RegionMap()
	regions, ok := regionMap[req.Account]
	if !ok {
		errs.Add("account", req.Account, "not one of the permitted accounts")
	} else if oses, ok := regions[req.Region]; !ok {
		errs.Add("region", req.Region, fmt.Sprintf("Missing permission for region %s.", req.Region))
	} else if !slices.Contains(oses, req.OperatingSystem) {
		errs.Add("operating_system", req.OperatingSystem, fmt.Sprintf("Missing permission for operating_system %s.", req.OperatingSystem))
	}

	if !perms.AllowsInstanceType(req.InstanceType) {
		errs.Add("instance_type", req.InstanceType, "not one of the permitted instance types")
	}
	if err := ValidateInstanceName(req.InstanceName); err != nil {
		errs.Add("instance_name", req.InstanceName, err.Error())
	}
	if err := ValidateExpiry(req.Expiry, now, perms.MaxDaysToExpiry); err != nil {
		errs.Add("expiry", req.Expiry.Format(time.RFC3339), err.Error())
	}
	if err := ValidateEmail(req.Email); err != nil {
		errs.Add("email", req.Email, err.Error())
	}
	if req.Username == "" {
		errs.Add("username", req.Username, "username must not be empty")
	}
	if !caller.IsSuperuser {
		if !strings.EqualFold(req.Email, caller.Email) {
			errs.Add("email", req.Email, "must match the caller's email")
		}
		if req.Username != caller.Username {
			errs.Add("username", req.Username, "must match the caller's username")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateUpdateRequest checks an update request against a group's permissions.
func ValidateUpdateRequest(req *domain.UpdateRentalRequest, perms *domain.PermissionRecord) error {
	var errs ValidationErrors
	if req.InstanceType == "" {
		errs.Add("instance_type", req.InstanceType, "instance type is required")
	} else if !perms.AllowsInstanceType(req.InstanceType) {
		errs.Add("instance_type", req.InstanceType, "not one of the permitted instance types")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
