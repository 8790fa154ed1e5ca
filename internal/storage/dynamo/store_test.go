package dynamo

import (
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bcnelson/instance-rental/internal/domain"
)

func TestBuildUpdateSetsOnlyGivenFields(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expr, err := buildUpdate(domain.RentalUpdate{
		StackStatus:    domain.Ptr(domain.StackStatusDeleting),
		InstanceStatus: domain.Ptr(domain.InstanceStatusShuttingDown),
	}, now)
	if err != nil {
		t.Fatalf("buildUpdate failed: %v", err)
	}

	if !strings.HasPrefix(expr.update, "SET ") {
		t.Errorf("Expected SET expression, got %q", expr.update)
	}
	for _, want := range []string{"#stackStatus = :stackStatus", "#instanceStatus = :instanceStatus", "#updatedAt = :updatedAt"} {
		if !strings.Contains(expr.update, want) {
			t.Errorf("Expected update to contain %q, got %q", want, expr.update)
		}
	}
	if strings.Contains(expr.update, "extensionCount") {
		t.Errorf("Expected extensionCount to be untouched, got %q", expr.update)
	}
	if expr.condition != "attribute_exists(stacksetID)" {
		t.Errorf("Expected existence condition only, got %q", expr.condition)
	}
	v, ok := expr.values[":stackStatus"].(*types.AttributeValueMemberS)
	if !ok || v.Value != domain.StackStatusDeleting {
		t.Errorf("Expected :stackStatus=deleting, got %#v", expr.values[":stackStatus"])
	}
}

func TestBuildUpdateConditionalExtension(t *testing.T) {
	expr, err := buildUpdate(domain.RentalUpdate{
		ExtensionCount:   domain.Ptr(2),
		IfExtensionCount: domain.Ptr(1),
	}, time.Now())
	if err != nil {
		t.Fatalf("buildUpdate failed: %v", err)
	}
	if !strings.Contains(expr.condition, "#expectedCount = :expectedCount") {
		t.Errorf("Expected count guard in condition, got %q", expr.condition)
	}
	n, ok := expr.values[":expectedCount"].(*types.AttributeValueMemberN)
	if !ok || n.Value != "1" {
		t.Errorf("Expected :expectedCount=1, got %#v", expr.values[":expectedCount"])
	}
	if expr.names["#expectedCount"] != "extensionCount" {
		t.Errorf("Expected #expectedCount to alias extensionCount, got %q", expr.names["#expectedCount"])
	}
}
