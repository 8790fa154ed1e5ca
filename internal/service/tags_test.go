package service_test

import (
	"testing"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/service"
)

func TestEvaluateTags(t *testing.T) {
	caller := &domain.Identity{Email: "alice@example.com", Username: "alice"}

	tags, err := service.EvaluateTags([]service.Tag{
		{Name: "Owner", Value: "$username"},
		{Name: "CostCenter", Value: "$group"},
	}, caller, "research")
	if err != nil {
		t.Fatalf("EvaluateTags failed: %v", err)
	}
	if tags[0].Value != "alice" || tags[1].Value != "research" {
		t.Errorf("Expected alice and research, got %q and %q", tags[0].Value, tags[1].Value)
	}

	tags, err = service.EvaluateTags([]service.Tag{
		{Name: "Env", Value: "rental"},
		{Name: "Contact", Value: "$email"},
	}, caller, "research")
	if err != nil {
		t.Fatalf("EvaluateTags failed: %v", err)
	}
	if tags[0].Value != "rental" || tags[1].Value != caller.Email {
		t.Errorf("Expected literal and email, got %q and %q", tags[0].Value, tags[1].Value)
	}

	if _, err := service.EvaluateTags([]service.Tag{{Name: "a", Value: "$phone"}, {Name: "b", Value: "x"}}, caller, "g"); !domain.IsKind(err, domain.KindInvalidApplicationState) {
		t.Errorf("Expected unknown attribute error, got %v", err)
	}
	if _, err := service.EvaluateTags(nil, caller, "g"); !domain.IsKind(err, domain.KindInvalidApplicationState) {
		t.Errorf("Expected tag count error, got %v", err)
	}
}
