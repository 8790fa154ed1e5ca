// Package shim provides an in-memory cloud provider for local development
// and tests. Operations stay RUNNING until Settle is called unless the
// provider was created with AutoSettle.
package shim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bcnelson/instance-rental/internal/cloud"
	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/logging"
)

// Provider implements cloud.Provider in memory.
type Provider struct {
	mu         sync.Mutex
	autoSettle bool
	seq        int
	logger     *slog.Logger

	stackSets map[string]*stackSet
	instances map[string]*instance
	// siblings are extra instances reported in the same reservation.
	siblings  map[string][]cloud.Instance
	subnets   map[string]map[string]string
	offerings map[string]map[string][]string
	failures  map[string]error
}

type stackSet struct {
	id         string
	name       string
	params     []cloud.Parameter
	members    map[string]*member
	operations []*pendingOp
}

type member struct {
	account    string
	region     string
	stackID    string
	status     string
	detailed   string
	overrides  []cloud.Parameter
	instanceID string
	updated    bool
}

type pendingOp struct {
	op     cloud.Operation
	target string
}

type instance struct {
	cloud.Instance
	account string
	region  string
}

// Option configures a Provider.
type Option func(*Provider)

// AutoSettle completes every operation as soon as it is issued.
func AutoSettle() Option {
	return func(p *Provider) { p.autoSettle = true }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New creates an empty in-memory provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		stackSets: make(map[string]*stackSet),
		instances: make(map[string]*instance),
		siblings:  make(map[string][]cloud.Instance),
		subnets:   make(map[string]map[string]string),
		offerings: make(map[string]map[string][]string),
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Ensure(p.logger).With("component", "cloud-shim")
	return p
}

var _ cloud.Provider = (*Provider)(nil)

// FailCall makes the named provider method return err until it is
// cleared with a nil err.
func (p *Provider) FailCall(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

func (p *Provider) failure(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[method]
}

// AddSubnet registers a subnet in an availability zone.
func (p *Provider) AddSubnet(account, region, subnetID, az string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := domain.RegionKey(account, region)
	if p.subnets[key] == nil {
		p.subnets[key] = make(map[string]string)
	}
	p.subnets[key][subnetID] = az
}

// SetOfferings sets the instance types offered per availability zone.
func (p *Provider) SetOfferings(account, region string, byAZ map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerings[domain.RegionKey(account, region)] = byAZ
}

// Settle completes every running operation.
func (p *Provider) Settle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ss := range p.stackSets {
		for _, op := range ss.operations {
			if op.op.Status == domain.OperationRunning {
				p.completeLocked(ss, op)
			}
		}
	}
	for _, inst := range p.instances {
		switch inst.State {
		case domain.InstanceStatusPending:
			inst.State = domain.InstanceStatusRunning
		case domain.InstanceStatusStopping:
			inst.State = domain.InstanceStatusStopped
		}
	}
}

// SetOperationStatus overrides the status of an operation.
func (p *Provider) SetOperationStatus(stackSetID, operationID, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, ok := p.stackSets[stackSetID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, op := range ss.operations {
		if op.op.ID == operationID {
			op.op.Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

// SetMemberStatus overrides the status of every member of a stack set.
func (p *Provider) SetMemberStatus(stackSetID, status, detailed string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, ok := p.stackSets[stackSetID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, m := range ss.members {
		m.status = status
		m.detailed = detailed
	}
	return nil
}

// SetInstanceState overrides the power state of an instance.
func (p *Provider) SetInstanceState(instanceID, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok {
		return domain.ErrNotFound
	}
	inst.State = state
	return nil
}

// AttachSibling reports extra in the same reservation as instanceID.
func (p *Provider) AttachSibling(instanceID string, extra cloud.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.siblings[instanceID] = append(p.siblings[instanceID], extra)
}

// InstanceFor returns the instance backing a stack set's single member.
func (p *Provider) InstanceFor(stackSetID string) (cloud.Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, ok := p.stackSets[stackSetID]
	if !ok {
		return cloud.Instance{}, false
	}
	for _, m := range ss.members {
		if inst, ok := p.instances[m.instanceID]; ok {
			return inst.Instance, true
		}
	}
	return cloud.Instance{}, false
}

// HasStackSet reports whether a stack set exists.
func (p *Provider) HasStackSet(stackSetID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.stackSets[stackSetID]
	return ok
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%08x", prefix, p.seq)
}

func (p *Provider) startOpLocked(ss *stackSet, action, target string) string {
	op := &pendingOp{
		op:     cloud.Operation{ID: p.nextID("op"), Action: action, Status: domain.OperationRunning},
		target: target,
	}
	ss.operations = append(ss.operations, op)
	if p.autoSettle {
		p.completeLocked(ss, op)
	}
	return op.op.ID
}

func (p *Provider) completeLocked(ss *stackSet, op *pendingOp) {
	op.op.Status = domain.OperationSucceeded
	switch op.op.Action {
	case "CREATE":
		m := ss.members[op.target]
		if m == nil {
			return
		}
		m.status = domain.StackInstanceCurrent
		m.detailed = domain.DetailedStatusSucceeded
		if m.instanceID == "" {
			p.launchLocked(ss, m)
		}
	case "UPDATE":
		params := cloud.ParameterMap(ss.params)
		for _, m := range ss.members {
			m.status = domain.StackInstanceCurrent
			m.detailed = domain.DetailedStatusSucceeded
			m.updated = true
			if inst, ok := p.instances[m.instanceID]; ok {
				if t := params[cloud.ParamInstanceType]; t != "" {
					inst.Type = t
				}
			}
		}
	case "DELETE":
		m := ss.members[op.target]
		if m == nil {
			return
		}
		delete(p.instances, m.instanceID)
		delete(ss.members, op.target)
	}
}

func (p *Provider) launchLocked(ss *stackSet, m *member) {
	params := cloud.ParameterMap(ss.params)
	overrides := cloud.ParameterMap(m.overrides)
	subnet := overrides[cloud.ParamSubnetID]
	az := p.subnets[domain.RegionKey(m.account, m.region)][subnet]

	p.seq++
	inst := &instance{
		Instance: cloud.Instance{
			ID:               fmt.Sprintf("i-%017x", p.seq),
			State:            domain.InstanceStatusRunning,
			Type:             params[cloud.ParamInstanceType],
			AvailabilityZone: az,
			PrivateIP:        fmt.Sprintf("10.0.%d.%d", p.seq/250, p.seq%250+1),
		},
		account: m.account,
		region:  m.region,
	}
	p.instances[inst.ID] = inst
	m.instanceID = inst.ID
}

func (p *Provider) stackSet(id string) (*stackSet, error) {
	ss, ok := p.stackSets[id]
	if !ok {
		return nil, fmt.Errorf("stack set %s: %w", id, domain.ErrNotFound)
	}
	return ss, nil
}

func (p *Provider) CreateStackSet(ctx context.Context, in cloud.CreateStackSetInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ss := range p.stackSets {
		if ss.name == in.Name {
			return "", fmt.Errorf("stack set %s: %w", in.Name, domain.ErrAlreadyExists)
		}
	}
	id := in.Name + ":" + p.nextID("ss")
	p.stackSets[id] = &stackSet{
		id:      id,
		name:    in.Name,
		params:  append([]cloud.Parameter(nil), in.Parameters...),
		members: make(map[string]*member),
	}
	p.logger.Debug("created stack set", "id", id)
	return id, nil
}

func (p *Provider) CreateStackInstances(ctx context.Context, stackSetID, account, region string, overrides []cloud.Parameter) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return "", err
	}
	key := domain.RegionKey(account, region)
	if _, exists := ss.members[key]; exists {
		return "", fmt.Errorf("stack instance %s: %w", key, domain.ErrAlreadyExists)
	}
	ss.members[key] = &member{
		account:   account,
		region:    region,
		stackID:   fmt.Sprintf("arn:shim:cloudformation:%s:%s:stack/%s", region, account, p.nextID("stack")),
		status:    "OUTDATED",
		detailed:  domain.DetailedStatusPending,
		overrides: append([]cloud.Parameter(nil), overrides...),
	}
	return p.startOpLocked(ss, "CREATE", key), nil
}

func (p *Provider) DescribeStackSet(ctx context.Context, stackSetID string) (*cloud.StackSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return nil, err
	}
	return &cloud.StackSet{
		ID:         ss.id,
		Status:     "ACTIVE",
		Parameters: append([]cloud.Parameter(nil), ss.params...),
	}, nil
}

func (p *Provider) UpdateStackSet(ctx context.Context, stackSetID string, params []cloud.Parameter) (string, error) {
	if err := p.failure("UpdateStackSet"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return "", err
	}
	previous := cloud.ParameterMap(ss.params)
	next := make([]cloud.Parameter, 0, len(params))
	for _, param := range params {
		if param.UsePreviousValue {
			param.Value = previous[param.Key]
			param.UsePreviousValue = false
		}
		next = append(next, param)
	}
	ss.params = next
	for _, m := range ss.members {
		m.status = "OUTDATED"
		m.detailed = domain.DetailedStatusRunning
	}
	return p.startOpLocked(ss, "UPDATE", ""), nil
}

func (p *Provider) DeleteStackInstances(ctx context.Context, stackSetID, account, region string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return "", err
	}
	key := domain.RegionKey(account, region)
	if _, ok := ss.members[key]; !ok {
		return "", fmt.Errorf("stack instance %s: %w", key, domain.ErrNotFound)
	}
	return p.startOpLocked(ss, "DELETE", key), nil
}

func (p *Provider) DeleteStackSet(ctx context.Context, stackSetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return err
	}
	if len(ss.members) > 0 {
		return fmt.Errorf("%w: stack set %s still has %d instances", domain.ErrConflict, stackSetID, len(ss.members))
	}
	delete(p.stackSets, stackSetID)
	return nil
}

func (p *Provider) DescribeOperation(ctx context.Context, stackSetID, operationID string) (*cloud.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return nil, err
	}
	for _, op := range ss.operations {
		if op.op.ID == operationID {
			out := op.op
			return &out, nil
		}
	}
	return nil, fmt.Errorf("operation %s: %w", operationID, domain.ErrNotFound)
}

func (p *Provider) ListOperations(ctx context.Context, stackSetID string) ([]cloud.Operation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Operation, 0, len(ss.operations))
	for _, op := range ss.operations {
		out = append(out, op.op)
	}
	return out, nil
}

func (p *Provider) ListStackInstances(ctx context.Context, stackSetID string) ([]cloud.StackInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ss, err := p.stackSet(stackSetID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ss.members))
	for k := range ss.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cloud.StackInstance, 0, len(keys))
	for _, k := range keys {
		m := ss.members[k]
		out = append(out, cloud.StackInstance{
			Account:        m.account,
			Region:         m.region,
			StackID:        m.stackID,
			Status:         m.status,
			DetailedStatus: m.detailed,
		})
	}
	return out, nil
}

func (p *Provider) DescribeStack(ctx context.Context, account, region, stackID string) (*cloud.Stack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ss := range p.stackSets {
		for _, m := range ss.members {
			if m.stackID != stackID || m.account != account || m.region != region {
				continue
			}
			params := cloud.ParameterMap(ss.params)
			for k, v := range cloud.ParameterMap(m.overrides) {
				params[k] = v
			}
			stack := &cloud.Stack{
				ID:         stackID,
				Status:     stackStatus(m),
				Parameters: params,
				Outputs:    map[string]string{},
			}
			if inst, ok := p.instances[m.instanceID]; ok {
				stack.Outputs[cloud.OutputInstanceID] = inst.ID
				stack.Outputs[cloud.OutputPrivateIP] = inst.PrivateIP
			}
			return stack, nil
		}
	}
	return nil, fmt.Errorf("stack %s: %w", stackID, domain.ErrNotFound)
}

func stackStatus(m *member) string {
	prefix := "CREATE"
	if m.updated {
		prefix = "UPDATE"
	}
	if m.status == domain.StackInstanceCurrent {
		return prefix + "_COMPLETE"
	}
	return prefix + "_IN_PROGRESS"
}

func (p *Provider) DescribeInstances(ctx context.Context, account, region string, ids []string) ([]cloud.Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []cloud.Reservation
	for _, id := range ids {
		inst, ok := p.instances[id]
		if !ok || inst.account != account || inst.region != region {
			return nil, fmt.Errorf("instance %s in %s: %w", id, domain.RegionKey(account, region), domain.ErrNotFound)
		}
		res := cloud.Reservation{Instances: []cloud.Instance{inst.Instance}}
		res.Instances = append(res.Instances, p.siblings[id]...)
		out = append(out, res)
	}
	return out, nil
}

func (p *Provider) setPower(account, region, instanceID, transient, final string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceID]
	if !ok || inst.account != account || inst.region != region {
		return fmt.Errorf("instance %s: %w", instanceID, domain.ErrNotFound)
	}
	inst.State = transient
	if p.autoSettle {
		inst.State = final
	}
	return nil
}

func (p *Provider) StartInstance(ctx context.Context, account, region, instanceID string) error {
	if err := p.failure("StartInstance"); err != nil {
		return err
	}
	return p.setPower(account, region, instanceID, domain.InstanceStatusPending, domain.InstanceStatusRunning)
}

func (p *Provider) StopInstance(ctx context.Context, account, region, instanceID string) error {
	if err := p.failure("StopInstance"); err != nil {
		return err
	}
	return p.setPower(account, region, instanceID, domain.InstanceStatusStopping, domain.InstanceStatusStopped)
}

func (p *Provider) DescribeSubnets(ctx context.Context, account, region string, subnetIDs []string) ([]cloud.Subnet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	known := p.subnets[domain.RegionKey(account, region)]
	out := make([]cloud.Subnet, 0, len(subnetIDs))
	for _, id := range subnetIDs {
		out = append(out, cloud.Subnet{ID: id, AvailabilityZone: known[id]})
	}
	return out, nil
}

func (p *Provider) InstanceTypeOfferings(ctx context.Context, account, region string) (map[string][]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string)
	for az, types := range p.offerings[domain.RegionKey(account, region)] {
		out[az] = append([]string(nil), types...)
	}
	return out, nil
}
