package provider

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/transfer"
)

// Op names a Provisioner operation for fault injection and call counting.
type Op string

const (
	OpCreateUnit       Op = "create_unit"
	OpInstallImage     Op = "install_image"
	OpSetControllers   Op = "set_controllers"
	OpHealthCheck      Op = "health_check"
	OpInterfaceVersion Op = "interface_version"
	OpImportEndpoint   Op = "import_endpoint"
)

type mockUnit struct {
	unit      Unit
	installed bool
	version   string
	history   []domain.Controllers
	svc       *transfer.Service
	sink      *transfer.MemorySink
}

// MockProvisioner implements Provisioner in memory. Each unit gets an
// in-process transfer service, so imports run without a cluster.
type MockProvisioner struct {
	mu sync.Mutex

	units  map[string]*mockUnit
	byKey  map[string]string
	faults map[Op][]error
	calls  map[Op]int
	tamper map[string]bool

	version     string
	unhealthy   bool
	transferCfg transfer.Config
}

var _ Provisioner = (*MockProvisioner)(nil)

// NewMockProvisioner creates a MockProvisioner whose unit daemons use cfg.
func NewMockProvisioner(cfg transfer.Config) *MockProvisioner {
	return &MockProvisioner{
		units:       make(map[string]*mockUnit),
		byKey:       make(map[string]string),
		faults:      make(map[Op][]error),
		calls:       make(map[Op]int),
		tamper:      make(map[string]bool),
		transferCfg: cfg,
	}
}

// Name returns the provider name.
func (p *MockProvisioner) Name() string { return "mock" }

// FailNext queues errors returned by the next calls of op, one per call.
func (p *MockProvisioner) FailNext(op Op, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], errs...)
}

// SetInterfaceVersion overrides the version every unit reports.
func (p *MockProvisioner) SetInterfaceVersion(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

// SetHealthy toggles the liveness probe result of every unit.
func (p *MockProvisioner) SetHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy = !healthy
}

// TamperItem corrupts the bytes of itemID on their way into any unit,
// while keeping each chunk hash consistent with the corrupted bytes.
func (p *MockProvisioner) TamperItem(itemID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tamper[itemID] = true
}

// Calls returns how many times op was invoked, including failed calls.
func (p *MockProvisioner) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Controllers returns the current controller set of a unit.
func (p *MockProvisioner) Controllers(unitID string) domain.Controllers {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.units[unitID]; ok {
		return slices.Clone(u.unit.Controllers)
	}
	return nil
}

// ControllerHistory returns every controller set applied to a unit, in
// order, starting with the set it was created with.
func (p *MockProvisioner) ControllerHistory(unitID string) []domain.Controllers {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.units[unitID]; ok {
		return slices.Clone(u.history)
	}
	return nil
}

// Sink returns the committed items of a unit.
func (p *MockProvisioner) Sink(unitID string) *transfer.MemorySink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.units[unitID]; ok {
		return u.sink
	}
	return nil
}

// Units lists every unit, ordered by ID.
func (p *MockProvisioner) Units() []Unit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Unit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, u.unit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep reclaims expired transfer sessions on every unit.
func (p *MockProvisioner) Sweep(ctx context.Context) int {
	p.mu.Lock()
	svcs := make([]*transfer.Service, 0, len(p.units))
	for _, u := range p.units {
		svcs = append(svcs, u.svc)
	}
	p.mu.Unlock()

	var n int
	for _, svc := range svcs {
		n += svc.Sweep(ctx)
	}
	return n
}

// begin counts a call and pops a queued fault. Must hold p.mu.
func (p *MockProvisioner) begin(op Op) error {
	p.calls[op]++
	if q := p.faults[op]; len(q) > 0 {
		p.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *MockProvisioner) unit(unitID string) (*mockUnit, error) {
	u, ok := p.units[unitID]
	if !ok {
		return nil, apperrors.ErrProviderUnitNotFound(unitID)
	}
	return u, nil
}

// CreateUnit implements Provisioner.
func (p *MockProvisioner) CreateUnit(_ context.Context, req CreateRequest) (*Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpCreateUnit); err != nil {
		return nil, err
	}

	if id, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		u := p.units[id].unit
		return &u, nil
	}

	id := fmt.Sprintf("unit-%04d", len(p.units)+1)
	sink := transfer.NewMemorySink()
	created := &mockUnit{
		unit: Unit{
			ID:          id,
			Owner:       req.Owner,
			Controllers: slices.Clone(req.Controllers),
			Phase:       UnitPhaseProvisioned,
			Address:     id + ".mock",
			CreatedAt:   time.Now().UTC(),
		},
		history: []domain.Controllers{slices.Clone(req.Controllers)},
		sink:    sink,
		svc:     transfer.NewService(sink, p.transferCfg),
	}
	p.units[id] = created
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = id
	}
	u := created.unit
	return &u, nil
}

// GetUnit implements Provisioner.
func (p *MockProvisioner) GetUnit(_ context.Context, unitID string) (*Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, err := p.unit(unitID)
	if err != nil {
		return nil, err
	}
	out := u.unit
	out.Controllers = slices.Clone(u.unit.Controllers)
	return &out, nil
}

// InstallImage implements Provisioner. Installing twice is a no-op.
func (p *MockProvisioner) InstallImage(_ context.Context, unitID string, tmpl *UnitTemplate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpInstallImage); err != nil {
		return err
	}
	u, err := p.unit(unitID)
	if err != nil {
		return err
	}
	if err := tmpl.Validate(); err != nil {
		return apperrors.ErrInvalidArgument(err.Error())
	}
	u.installed = true
	u.version = tmpl.InterfaceVersion
	u.unit.Phase = UnitPhaseRunning
	return nil
}

// SetControllers implements Provisioner.
func (p *MockProvisioner) SetControllers(_ context.Context, unitID string, controllers domain.Controllers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpSetControllers); err != nil {
		return err
	}
	u, err := p.unit(unitID)
	if err != nil {
		return err
	}
	u.unit.Controllers = slices.Clone(controllers)
	u.history = append(u.history, slices.Clone(controllers))
	return nil
}

// HealthCheck implements Provisioner.
func (p *MockProvisioner) HealthCheck(_ context.Context, unitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpHealthCheck); err != nil {
		return err
	}
	u, err := p.unit(unitID)
	if err != nil {
		return err
	}
	if !u.installed || p.unhealthy {
		return apperrors.ErrProviderUnavailable(string(OpHealthCheck), fmt.Errorf("unit %s is not live", unitID))
	}
	return nil
}

// InterfaceVersion implements Provisioner.
func (p *MockProvisioner) InterfaceVersion(_ context.Context, unitID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpInterfaceVersion); err != nil {
		return "", err
	}
	u, err := p.unit(unitID)
	if err != nil {
		return "", err
	}
	if p.version != "" {
		return p.version, nil
	}
	return u.version, nil
}

// ImportEndpoint implements Provisioner.
func (p *MockProvisioner) ImportEndpoint(_ context.Context, unitID string) (transfer.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpImportEndpoint); err != nil {
		return nil, err
	}
	u, err := p.unit(unitID)
	if err != nil {
		return nil, err
	}
	if !u.installed {
		return nil, apperrors.ErrProviderUnavailable(string(OpImportEndpoint), fmt.Errorf("unit %s has no image installed", unitID))
	}
	return &tamperingEndpoint{Endpoint: u.svc, p: p}, nil
}

// tamperingEndpoint corrupts chunks of items registered with TamperItem.
type tamperingEndpoint struct {
	transfer.Endpoint
	p *MockProvisioner
}

func (e *tamperingEndpoint) PutChunk(ctx context.Context, sessionID, itemID string, index uint32, data []byte, h transfer.Hash) (transfer.Ack, error) {
	e.p.mu.Lock()
	corrupt := e.p.tamper[itemID]
	e.p.mu.Unlock()

	if corrupt && len(data) > 0 {
		data = slices.Clone(data)
		data[0] ^= 0xFF
		h = transfer.HashChunk(data)
	}
	return e.Endpoint.PutChunk(ctx, sessionID, itemID, index, data, h)
}
