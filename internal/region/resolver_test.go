package region_test

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/cache"
	"github.com/bcnelson/instance-rental/internal/clock"
	"github.com/bcnelson/instance-rental/internal/cloud/shim"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/region"
	"github.com/bcnelson/instance-rental/internal/storage/memory"
)

const account = "111111111111"

func setup(t *testing.T) (*memory.Store, *shim.Provider) {
	t.Helper()
	store := memory.New()
	err := store.PutRegionalProfile(context.Background(), &domain.RegionalNetworkProfile{
		Account:    account,
		Region:     "us-east-1",
		VPCID:      "vpc-1",
		SSHKeyName: "key",
		SubnetIDs:  []string{"subnet-a1", "subnet-a2", "subnet-b1"},
	})
	if err != nil {
		t.Fatalf("PutRegionalProfile failed: %v", err)
	}

	provider := shim.New()
	provider.AddSubnet(account, "us-east-1", "subnet-a1", "az1")
	provider.AddSubnet(account, "us-east-1", "subnet-a2", "az1")
	provider.AddSubnet(account, "us-east-1", "subnet-b1", "az2")
	provider.SetOfferings(account, "us-east-1", map[string][]string{
		"az1": {"t3.micro"},
		"az2": {"t3.small"},
	})
	return store, provider
}

func TestProvisioningParamsFiltersZones(t *testing.T) {
	store, provider := setup(t)
	r := region.New(store,
		region.WithLiveCapacity(provider),
		region.WithRand(rand.New(rand.NewPCG(1, 2))),
	)

	for i := 0; i < 50; i++ {
		params, err := r.ProvisioningParams(context.Background(), account, "us-east-1", "t3.small")
		if err != nil {
			t.Fatalf("ProvisioningParams failed: %v", err)
		}
		if params.SubnetID != "subnet-b1" || params.AvailabilityZone != "az2" {
			t.Fatalf("Expected subnet-b1 in az2, got %s in %s", params.SubnetID, params.AvailabilityZone)
		}
		if params.VPCID != "vpc-1" || params.SSHKeyName != "key" {
			t.Errorf("Expected vpc-1/key, got %s/%s", params.VPCID, params.SSHKeyName)
		}
	}
}

func TestProvisioningParamsUsesEveryZoneSubnet(t *testing.T) {
	store, provider := setup(t)
	r := region.New(store,
		region.WithLiveCapacity(provider),
		region.WithRand(rand.New(rand.NewPCG(3, 4))),
	)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		params, err := r.ProvisioningParams(context.Background(), account, "us-east-1", "t3.micro")
		if err != nil {
			t.Fatalf("ProvisioningParams failed: %v", err)
		}
		seen[params.SubnetID] = true
	}
	if !seen["subnet-a1"] || !seen["subnet-a2"] || seen["subnet-b1"] {
		t.Errorf("Expected only az1 subnets, got %v", seen)
	}
}

func TestProvisioningParamsUnofferedType(t *testing.T) {
	store, provider := setup(t)
	r := region.New(store, region.WithLiveCapacity(provider))

	_, err := r.ProvisioningParams(context.Background(), account, "us-east-1", "m5.large")
	if !domain.IsKind(err, domain.KindInvalidArguments) {
		t.Errorf("Expected InvalidArguments, got %v", err)
	}
}

func TestStaticModeUsesAllSubnets(t *testing.T) {
	store, _ := setup(t)
	r := region.New(store)

	capacity, err := r.Placement(context.Background(), account, "us-east-1")
	if err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	if capacity.Live() {
		t.Error("Expected static capacity")
	}
	if got := capacity.SubnetsByAZ[""]; len(got) != 3 {
		t.Errorf("Expected 3 candidate subnets, got %v", got)
	}
	if _, err := r.ProvisioningParams(context.Background(), account, "us-east-1", "anything"); err != nil {
		t.Errorf("Expected any type in static mode, got %v", err)
	}
}

func TestMissingProfile(t *testing.T) {
	r := region.New(memory.New())
	_, err := r.Placement(context.Background(), account, "eu-west-1")
	if !domain.IsKind(err, domain.KindPermissionsMissing) {
		t.Errorf("Expected PermissionsMissing, got %v", err)
	}
}

func TestAvailableInstanceTypes(t *testing.T) {
	store, provider := setup(t)
	r := region.New(store, region.WithLiveCapacity(provider))
	ctx := context.Background()

	got, err := r.AvailableInstanceTypes(ctx, account, "us-east-1", "az1", []string{"t3.micro", "t3.small"})
	if err != nil {
		t.Fatalf("AvailableInstanceTypes failed: %v", err)
	}
	if !slices.Equal(got, []string{"t3.micro"}) {
		t.Errorf("Expected [t3.micro], got %v", got)
	}

	got, _ = r.AvailableInstanceTypes(ctx, account, "us-east-1", "", []string{"t3.micro", "t3.small"})
	if len(got) != 2 {
		t.Errorf("Expected all allowed types for unknown zone, got %v", got)
	}

	got, _ = r.OfferedAnywhere(ctx, account, "us-east-1", []string{"t3.small", "m5.large"})
	if !slices.Equal(got, []string{"t3.small"}) {
		t.Errorf("Expected [t3.small], got %v", got)
	}
}

func TestPlacementIsCached(t *testing.T) {
	store, provider := setup(t)
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := cache.New[string, *domain.RegionCapacity](clk, 8)
	r := region.New(store, region.WithLiveCapacity(provider), region.WithCache(c, 10*time.Minute))
	ctx := context.Background()

	if _, err := r.Placement(ctx, account, "us-east-1"); err != nil {
		t.Fatalf("Placement failed: %v", err)
	}
	provider.SetOfferings(account, "us-east-1", map[string][]string{"az1": {"t3.micro"}, "az2": {"t3.micro"}})

	capacity, _ := r.Placement(ctx, account, "us-east-1")
	if slices.Contains(capacity.TypesByAZ["az2"], "t3.micro") {
		t.Error("Expected cached offerings before expiry")
	}

	clk.Advance(11 * time.Minute)
	capacity, _ = r.Placement(ctx, account, "us-east-1")
	if !slices.Contains(capacity.TypesByAZ["az2"], "t3.micro") {
		t.Error("Expected refreshed offerings after expiry")
	}
}
