package domain

import (
	"slices"
	"strings"
)

// Identity is the authenticated caller.
type Identity struct {
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	Groups      []string `json:"groups"`
	IsSuperuser bool     `json:"is_superuser"`
}

// InGroup reports whether the caller belongs to group.
func (i *Identity) InGroup(group string) bool {
	return slices.Contains(i.Groups, group)
}

// Owns reports whether the caller may act on r.
func (i *Identity) Owns(r *RentalRecord) bool {
	return i.IsSuperuser || strings.EqualFold(i.Email, r.Email)
}

// Attribute resolves a named identity attribute used in tag templates.
func (i *Identity) Attribute(name string) (string, bool) {
	switch name {
	case "email":
		return i.Email, true
	case "username", "name":
		return i.Username, true
	}
	return "", false
}

// GroupSet is an ordered, de-duplicated, non-empty list of group names.
type GroupSet []string

// NewGroupSet builds a GroupSet, dropping blanks and duplicates.
func NewGroupSet(groups ...string) (GroupSet, error) {
	var out GroupSet
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" || slices.Contains(out, g) {
			continue
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, Errorf(KindPermissionsMissing, "at least one group is required")
	}
	return out, nil
}

// AccountScope describes which accounts a deployment manages.
// In single-account mode every region map entry belongs to DefaultAccount.
type AccountScope struct {
	DefaultAccount string `json:"default_account,omitempty"`
	SingleAccount  bool   `json:"single_account"`
}

// Allows reports whether account is managed by this deployment.
func (s AccountScope) Allows(account string) bool {
	return !s.SingleAccount || account == s.DefaultAccount
}
