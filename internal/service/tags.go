package service

import (
	"strings"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// Tag is a tag attached to every provisioned instance. A value starting
// with "$" names an attribute of the requesting identity.
type Tag struct {
	Name  string `json:"tag-name" yaml:"tag-name"`
	Value string `json:"tag-value" yaml:"tag-value"`
}

// TagCount is the number of tags instance templates accept.
const TagCount = 2

// EvaluateTags resolves identity references in tags. The "group" attribute
// resolves to the rental's group.
func EvaluateTags(tags []Tag, caller *domain.Identity, group string) ([]Tag, error) {
	if len(tags) != TagCount {
		return nil, domain.Errorf(domain.KindInvalidApplicationState, "expected %d configured tags, got %d", TagCount, len(tags))
	}
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		attr, ok := strings.CutPrefix(t.Value, "$")
		if !ok {
			out = append(out, t)
			continue
		}
		var value string
		if attr == "group" {
			value = group
		} else if value, ok = caller.Attribute(attr); !ok {
			return nil, domain.Errorf(domain.KindInvalidApplicationState, "tag %s references unknown attribute %q", t.Name, attr)
		}
		out = append(out, Tag{Name: t.Name, Value: value})
	}
	return out, nil
}
