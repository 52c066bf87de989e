package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	k8sv1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	kubevirtv1 "kubevirt.io/api/core/v1"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

var vmResource = schema.GroupResource{Group: "kubevirt.io", Resource: "virtualmachines"}

type fakeKubeVirt struct {
	mu         sync.Mutex
	vms        map[string]*kubevirtv1.VirtualMachine
	vmis       map[string]*kubevirtv1.VirtualMachineInstance
	updateErrs []error
	creates    int
}

func newFakeKubeVirt() *fakeKubeVirt {
	return &fakeKubeVirt{
		vms:  make(map[string]*kubevirtv1.VirtualMachine),
		vmis: make(map[string]*kubevirtv1.VirtualMachineInstance),
	}
}

func (f *fakeKubeVirt) VM() VirtualMachineClient          { return fakeVMs{f} }
func (f *fakeKubeVirt) VMI() VirtualMachineInstanceClient { return fakeVMIs{f} }

type fakeVMs struct{ f *fakeKubeVirt }

func (c fakeVMs) Get(_ context.Context, _, name string, _ k8smetav1.GetOptions) (*kubevirtv1.VirtualMachine, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	vm, ok := c.f.vms[name]
	if !ok {
		return nil, k8serrors.NewNotFound(vmResource, name)
	}
	return vm.DeepCopy(), nil
}

func (c fakeVMs) Create(_ context.Context, _ string, vm *kubevirtv1.VirtualMachine, _ k8smetav1.CreateOptions) (*kubevirtv1.VirtualMachine, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if _, ok := c.f.vms[vm.Name]; ok {
		return nil, k8serrors.NewAlreadyExists(vmResource, vm.Name)
	}
	c.f.creates++
	c.f.vms[vm.Name] = vm.DeepCopy()
	return vm.DeepCopy(), nil
}

func (c fakeVMs) Update(_ context.Context, _ string, vm *kubevirtv1.VirtualMachine, _ k8smetav1.UpdateOptions) (*kubevirtv1.VirtualMachine, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if len(c.f.updateErrs) > 0 {
		err := c.f.updateErrs[0]
		c.f.updateErrs = c.f.updateErrs[1:]
		return nil, err
	}
	c.f.vms[vm.Name] = vm.DeepCopy()
	return vm.DeepCopy(), nil
}

type fakeVMIs struct{ f *fakeKubeVirt }

func (c fakeVMIs) Get(_ context.Context, _, name string, _ k8smetav1.GetOptions) (*kubevirtv1.VirtualMachineInstance, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	vmi, ok := c.f.vmis[name]
	if !ok {
		return nil, k8serrors.NewNotFound(schema.GroupResource{Group: "kubevirt.io", Resource: "virtualmachineinstances"}, name)
	}
	return vmi.DeepCopy(), nil
}

func (f *fakeKubeVirt) run(name, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vmis[name] = &kubevirtv1.VirtualMachineInstance{
		ObjectMeta: k8smetav1.ObjectMeta{Name: name},
		Status: kubevirtv1.VirtualMachineInstanceStatus{
			Phase:      kubevirtv1.Running,
			Interfaces: []kubevirtv1.VirtualMachineInstanceNetworkInterface{{IP: ip}},
		},
	}
}

func testTemplate() *UnitTemplate {
	return &UnitTemplate{
		Name:             "default",
		Image:            "registry.local/unitmover/unit:v1",
		InitArgs:         []string{"--data-dir=/var/lib/unitd"},
		InterfaceVersion: "v1.2.0",
		CPU:              2,
		MemoryMB:         2048,
	}
}

func TestBuildUnitVM(t *testing.T) {
	req := CreateRequest{
		IdempotencyKey: "alice/1",
		Owner:          "alice",
		Controllers:    domain.DualControl("unitmover", "alice"),
		FundingCredits: 5000,
		Template:       testTemplate(),
	}

	vm, err := buildUnitVM("units", "unit-a", req)
	require.NoError(t, err)
	require.Equal(t, "units", vm.Namespace)
	require.Equal(t, "alice", vm.Annotations[AnnotationOwner])
	require.Equal(t, "unitmover,alice", vm.Annotations[AnnotationControllers])
	require.Equal(t, "5000", vm.Annotations[AnnotationFundingCredits])
	require.Equal(t, kubevirtv1.RunStrategyHalted, *vm.Spec.RunStrategy)

	cpu := vm.Spec.Template.Spec.Domain.Resources.Requests[k8sv1.ResourceCPU]
	require.Equal(t, "2", cpu.String())
	mem := vm.Spec.Template.Spec.Domain.Resources.Requests[k8sv1.ResourceMemory]
	require.Equal(t, "2Gi", mem.String())

	applyImage(vm, req.Template)
	require.Equal(t, kubevirtv1.RunStrategyAlways, *vm.Spec.RunStrategy)
	volumes := vm.Spec.Template.Spec.Volumes
	require.Len(t, volumes, 2)
	require.Equal(t, req.Template.Image, volumes[0].ContainerDisk.Image)
	require.Contains(t, volumes[1].CloudInitNoCloud.UserData, "UNIT_OWNER=alice")
	require.Contains(t, volumes[1].CloudInitNoCloud.UserData, "--data-dir=/var/lib/unitd")
	require.Len(t, vm.Spec.Template.Spec.Domain.Devices.Disks, 2)
}

func TestBuildUnitVM_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"nil template", func(r *CreateRequest) { r.Template = nil }},
		{"missing image", func(r *CreateRequest) { r.Template.Image = "" }},
		{"missing cpu", func(r *CreateRequest) { r.Template.CPU = 0 }},
		{"missing memory", func(r *CreateRequest) { r.Template.MemoryMB = 0 }},
		{"bad version", func(r *CreateRequest) { r.Template.InterfaceVersion = "latest" }},
		{"missing owner", func(r *CreateRequest) { r.Owner = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateRequest{IdempotencyKey: "k", Owner: "alice", Template: testTemplate()}
			tt.mutate(&req)
			_, err := buildUnitVM("ns", "unit", req)
			require.Error(t, err)
		})
	}
}

func TestKubeVirtProvisioner_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKubeVirt()

	daemon := http.NewServeMux()
	daemon.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	daemon.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(VersionInfo{InterfaceVersion: "v1.2.3"})
	})
	srv := httptest.NewServer(daemon)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	p := NewKubeVirtProvisioner(fake, KubeVirtConfig{
		Namespace:        "units",
		EndpointTemplate: "http://%s:" + u.Port(),
	})

	req := CreateRequest{
		IdempotencyKey: "alice/1",
		Owner:          "alice",
		Controllers:    domain.DualControl("unitmover", "alice"),
		FundingCredits: 5000,
		Template:       testTemplate(),
	}
	unit, err := p.CreateUnit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, UnitName("alice/1"), unit.ID)
	require.True(t, strings.HasPrefix(unit.ID, "unit-"))
	require.Equal(t, UnitPhaseProvisioned, unit.Phase)

	again, err := p.CreateUnit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, unit.ID, again.ID)
	require.Equal(t, 1, fake.creates)

	err = p.HealthCheck(ctx, unit.ID)
	require.True(t, apperrors.IsCode(err, apperrors.CodeProviderUnavailable))

	require.NoError(t, p.InstallImage(ctx, unit.ID, req.Template))
	require.NoError(t, p.InstallImage(ctx, unit.ID, req.Template))
	fake.run(unit.ID, u.Hostname())

	got, err := p.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, UnitPhaseRunning, got.Phase)
	require.Equal(t, u.Hostname(), got.Address)

	require.NoError(t, p.HealthCheck(ctx, unit.ID))
	v, err := p.InterfaceVersion(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, "v1.2.3", v)

	ep, err := p.ImportEndpoint(ctx, unit.ID)
	require.NoError(t, err)
	require.NotNil(t, ep)

	fake.updateErrs = []error{k8serrors.NewConflict(vmResource, unit.ID, nil)}
	err = p.SetControllers(ctx, unit.ID, domain.OwnerControl("alice"))
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.True(t, appErr.Retryable())

	require.NoError(t, p.SetControllers(ctx, unit.ID, domain.OwnerControl("alice")))
	got, err = p.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.True(t, got.Controllers.Equal(domain.OwnerControl("alice")))
}

func TestKubeVirtProvisioner_UnknownUnit(t *testing.T) {
	p := NewKubeVirtProvisioner(newFakeKubeVirt(), KubeVirtConfig{})
	_, err := p.GetUnit(context.Background(), "unit-missing")
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnitNotFound))

	err = p.SetControllers(context.Background(), "unit-missing", domain.OwnerControl("bob"))
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnitNotFound))
}
