package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/clock"
	"github.com/bcnelson/instance-rental/internal/cloud/shim"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/notify"
	"github.com/bcnelson/instance-rental/internal/permissions"
	"github.com/bcnelson/instance-rental/internal/region"
	"github.com/bcnelson/instance-rental/internal/service"
	"github.com/bcnelson/instance-rental/internal/storage/memory"
	"github.com/bcnelson/instance-rental/internal/workflow"
)

const (
	account  = "111111111111"
	location = "us-east-1"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type started struct {
	name  string
	input workflow.Input
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []started
}

func (t *recordingTrigger) Start(ctx context.Context, name string, in workflow.Input) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, started{name: name, input: in})
	return "exec-" + in.RentalID, nil
}

func (t *recordingTrigger) named(name string) []workflow.Input {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []workflow.Input
	for _, c := range t.calls {
		if c.name == name {
			out = append(out, c.input)
		}
	}
	return out
}

type failingTrigger struct {
	err error
}

func (t failingTrigger) Start(ctx context.Context, name string, in workflow.Input) (string, error) {
	return "", t.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.messages {
		out = append(out, m.Subject)
	}
	return out
}

type recordingAlerter struct {
	alerts []string
}

func (a *recordingAlerter) Alert(ctx context.Context, message string) error {
	a.alerts = append(a.alerts, message)
	return nil
}

type fixture struct {
	store    *memory.Store
	cloud    *shim.Provider
	clock    *clock.FakeClock
	trigger  *recordingTrigger
	notifier *recordingNotifier
	alerter  *recordingAlerter
	rentals  *service.Rentals
}

var (
	alice = &domain.Identity{Email: "alice@example.com", Username: "alice", Groups: []string{"private"}}
	bob   = &domain.Identity{Email: "bob@example.com", Username: "bob", Groups: []string{"private"}}
	admin = &domain.Identity{Email: "root@example.com", Username: "root", Groups: []string{"private"}, IsSuperuser: true}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	err := store.PutPermission(ctx, &domain.PermissionRecord{
		Group:             "private",
		InstanceTypes:     []string{"t3.micro", "t3.small"},
		MaxInstanceCount:  5,
		MaxExtensionCount: 2,
		MaxDaysToExpiry:   7,
		OperatingSystems: []domain.OperatingSystemProfile{{
			Name:               "ubuntu",
			ConnectionProtocol: domain.ProtocolSSH,
			TemplateFile:       "ubuntu.yaml",
			UserDataFile:       "ubuntu.sh",
			RegionMap: domain.RegionMap{account: {location: {
				ImageID:         "ami-1",
				SecurityGroup:   "sg-1",
				InstanceProfile: "profile",
			}}},
		}},
	})
	if err != nil {
		t.Fatalf("PutPermission failed: %v", err)
	}
	err = store.PutRegionalProfile(ctx, &domain.RegionalNetworkProfile{
		Account:    account,
		Region:     location,
		VPCID:      "vpc-1",
		SSHKeyName: "key",
		SubnetIDs:  []string{"subnet-a", "subnet-b"},
	})
	if err != nil {
		t.Fatalf("PutRegionalProfile failed: %v", err)
	}

	provider := shim.New()
	provider.AddSubnet(account, location, "subnet-a", "az1")
	provider.AddSubnet(account, location, "subnet-b", "az2")
	provider.SetOfferings(account, location, map[string][]string{
		"az1": {"t3.micro", "t3.small"},
		"az2": {"t3.micro", "t3.small"},
	})

	f := &fixture{
		store:    store,
		cloud:    provider,
		clock:    clock.Fake(start),
		trigger:  &recordingTrigger{},
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
	}
	f.rentals = service.NewRentals(service.Deps{
		Store:       store,
		Permissions: permissions.New(store, domain.AccountScope{}),
		Regions:     region.New(store, region.WithLiveCapacity(provider)),
		Cloud:       provider,
		Trigger:     f.trigger,
		Notifier:    f.notifier,
		Alerter:     f.alerter,
		Clock:       f.clock,
	}, service.Settings{
		ProjectName:    "rental",
		TemplateBucket: "templates",
		Tags: []service.Tag{
			{Name: "Owner", Value: "$email"},
			{Name: "Team", Value: "$group"},
		},
		Addresses: notify.Addresses{Project: "rental", Notification: "noreply@example.com", Admin: "ops@example.com"},
	})
	return f
}

func (f *fixture) request() domain.CreateRentalRequest {
	return domain.CreateRentalRequest{
		Account:         account,
		Region:          location,
		InstanceType:    "t3.micro",
		OperatingSystem: "ubuntu",
		Expiry:          f.clock.Now().Add(48 * time.Hour),
		Group:           "private",
		InstanceName:    "dev box",
	}
}

// create provisions a rental for caller and settles it.
func (f *fixture) create(t *testing.T, caller *domain.Identity, expiry time.Duration) string {
	t.Helper()
	req := f.request()
	req.Expiry = f.clock.Now().Add(expiry)
	result, err := f.rentals.Create(context.Background(), caller, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.cloud.Settle()
	return result.RentalID
}

func (f *fixture) record(t *testing.T, id string) *domain.RentalRecord {
	t.Helper()
	r, err := f.store.GetRental(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRental failed: %v", err)
	}
	return r
}
