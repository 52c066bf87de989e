package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	k8sv1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/transfer"
)

// Unit metadata lives in VM annotations; the controller set is the
// authoritative copy the unit daemon enforces.
const (
	annotationPrefix           = "units.unitmover.io/"
	AnnotationOwner            = annotationPrefix + "owner"
	AnnotationControllers      = annotationPrefix + "controllers"
	AnnotationFundingCredits   = annotationPrefix + "funding-credits"
	AnnotationIdempotencyKey   = annotationPrefix + "idempotency-key"
	AnnotationInterfaceVersion = annotationPrefix + "interface-version"
	AnnotationInstalledImage   = annotationPrefix + "image"

	labelManagedBy = "app.kubernetes.io/managed-by"
	managedByValue = "unitmover"

	rootDiskName  = "rootdisk"
	cloudInitName = "cloudinitdisk"
)

// unitNamespace seeds deterministic unit names derived from idempotency keys.
var unitNamespace = uuid.MustParse("6f1c1a52-8d0e-4f57-9b0c-3d1f1e0b7a11")

// KubeVirtConfig configures a KubeVirtProvisioner.
type KubeVirtConfig struct {
	Namespace        string
	OperationTimeout time.Duration
	// EndpointTemplate formats a unit address into the daemon base URL,
	// e.g. "http://%s:8090".
	EndpointTemplate string
	RequestTimeout   time.Duration
}

// KubeVirtProvisioner provisions units as KubeVirt VirtualMachines.
type KubeVirtProvisioner struct {
	client KubeVirtClient
	daemon *DaemonClient
	cfg    KubeVirtConfig
}

var _ Provisioner = (*KubeVirtProvisioner)(nil)

// NewKubeVirtProvisioner creates a provisioner bound to one namespace.
func NewKubeVirtProvisioner(client KubeVirtClient, cfg KubeVirtConfig) *KubeVirtProvisioner {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Minute
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.EndpointTemplate == "" {
		cfg.EndpointTemplate = "http://%s:8090"
	}
	return &KubeVirtProvisioner{
		client: client,
		daemon: NewDaemonClient(cfg.RequestTimeout),
		cfg:    cfg,
	}
}

// Name returns the provider name.
func (p *KubeVirtProvisioner) Name() string { return "kubevirt" }

func (p *KubeVirtProvisioner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.OperationTimeout)
}

// UnitName derives the VM name for an idempotency key.
func UnitName(idempotencyKey string) string {
	return "unit-" + uuid.NewSHA1(unitNamespace, []byte(idempotencyKey)).String()
}

// CreateUnit creates a halted VM sized by the template. A VM that already
// exists for the idempotency key is returned as is.
func (p *KubeVirtProvisioner) CreateUnit(ctx context.Context, req CreateRequest) (*Unit, error) {
	if req.IdempotencyKey == "" {
		return nil, apperrors.ErrInvalidArgument("idempotency key is required")
	}
	name := UnitName(req.IdempotencyKey)

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	existing, err := p.client.VM().Get(opCtx, p.cfg.Namespace, name, k8smetav1.GetOptions{})
	if err == nil {
		return p.toUnit(opCtx, existing), nil
	}
	if !k8serrors.IsNotFound(err) {
		return nil, mapK8sError(string(OpCreateUnit), name, err)
	}

	vm, err := buildUnitVM(p.cfg.Namespace, name, req)
	if err != nil {
		return nil, apperrors.ErrInvalidArgument(err.Error())
	}
	created, err := p.client.VM().Create(opCtx, p.cfg.Namespace, vm, k8smetav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		created, err = p.client.VM().Get(opCtx, p.cfg.Namespace, name, k8smetav1.GetOptions{})
	}
	if err != nil {
		return nil, mapK8sError(string(OpCreateUnit), name, err)
	}

	logger.Info("Unit VM created",
		zap.String("unit_id", name),
		zap.String("namespace", p.cfg.Namespace),
		zap.String("owner", req.Owner),
	)
	return p.toUnit(opCtx, created), nil
}

// GetUnit implements Provisioner.
func (p *KubeVirtProvisioner) GetUnit(ctx context.Context, unitID string) (*Unit, error) {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vm, err := p.client.VM().Get(opCtx, p.cfg.Namespace, unitID, k8smetav1.GetOptions{})
	if err != nil {
		return nil, mapK8sError("get_unit", unitID, err)
	}
	return p.toUnit(opCtx, vm), nil
}

// InstallImage attaches the template image and init arguments and starts
// the VM. Reinstalling the same image is a no-op.
func (p *KubeVirtProvisioner) InstallImage(ctx context.Context, unitID string, tmpl *UnitTemplate) error {
	if err := tmpl.Validate(); err != nil {
		return apperrors.ErrInvalidArgument(err.Error())
	}

	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vm, err := p.client.VM().Get(opCtx, p.cfg.Namespace, unitID, k8smetav1.GetOptions{})
	if err != nil {
		return mapK8sError(string(OpInstallImage), unitID, err)
	}
	if vm.Annotations[AnnotationInstalledImage] == tmpl.Image {
		return nil
	}

	applyImage(vm, tmpl)
	if _, err := p.client.VM().Update(opCtx, p.cfg.Namespace, vm, k8smetav1.UpdateOptions{}); err != nil {
		return mapK8sError(string(OpInstallImage), unitID, err)
	}
	return nil
}

// SetControllers rewrites the controller annotation.
func (p *KubeVirtProvisioner) SetControllers(ctx context.Context, unitID string, controllers domain.Controllers) error {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vm, err := p.client.VM().Get(opCtx, p.cfg.Namespace, unitID, k8smetav1.GetOptions{})
	if err != nil {
		return mapK8sError(string(OpSetControllers), unitID, err)
	}
	if vm.Annotations == nil {
		vm.Annotations = make(map[string]string)
	}
	vm.Annotations[AnnotationControllers] = strings.Join(controllers, ",")

	if _, err := p.client.VM().Update(opCtx, p.cfg.Namespace, vm, k8smetav1.UpdateOptions{}); err != nil {
		return mapK8sError(string(OpSetControllers), unitID, err)
	}
	return nil
}

// HealthCheck requires a running VMI whose daemon answers /healthz.
func (p *KubeVirtProvisioner) HealthCheck(ctx context.Context, unitID string) error {
	addr, err := p.address(ctx, unitID)
	if err != nil {
		return err
	}
	if err := p.daemon.Health(ctx, p.baseURL(addr)); err != nil {
		return apperrors.ErrProviderUnavailable(string(OpHealthCheck), err)
	}
	return nil
}

// InterfaceVersion asks the unit daemon for its interface version.
func (p *KubeVirtProvisioner) InterfaceVersion(ctx context.Context, unitID string) (string, error) {
	addr, err := p.address(ctx, unitID)
	if err != nil {
		return "", err
	}
	v, err := p.daemon.Version(ctx, p.baseURL(addr))
	if err != nil {
		return "", apperrors.ErrProviderUnavailable(string(OpInterfaceVersion), err)
	}
	return v, nil
}

// ImportEndpoint returns an HTTP transfer client for the unit daemon.
func (p *KubeVirtProvisioner) ImportEndpoint(ctx context.Context, unitID string) (transfer.Endpoint, error) {
	addr, err := p.address(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return transfer.NewClient(p.baseURL(addr), p.cfg.RequestTimeout), nil
}

func (p *KubeVirtProvisioner) baseURL(addr string) string {
	return fmt.Sprintf(p.cfg.EndpointTemplate, addr)
}

// address returns the IP of a running VMI.
func (p *KubeVirtProvisioner) address(ctx context.Context, unitID string) (string, error) {
	opCtx, cancel := p.withTimeout(ctx)
	defer cancel()

	vmi, err := p.client.VMI().Get(opCtx, p.cfg.Namespace, unitID, k8smetav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return "", apperrors.ErrProviderUnavailable("address", fmt.Errorf("unit %s is not running", unitID))
		}
		return "", mapK8sError("address", unitID, err)
	}
	if vmi.Status.Phase != kubevirtv1.Running {
		return "", apperrors.ErrProviderUnavailable("address", fmt.Errorf("unit %s is %s", unitID, vmi.Status.Phase))
	}
	addr := vmiAddress(vmi)
	if addr == "" {
		return "", apperrors.ErrProviderUnavailable("address", fmt.Errorf("unit %s has no address yet", unitID))
	}
	return addr, nil
}

func vmiAddress(vmi *kubevirtv1.VirtualMachineInstance) string {
	if vmi == nil {
		return ""
	}
	for _, iface := range vmi.Status.Interfaces {
		if iface.IP != "" {
			return iface.IP
		}
	}
	return ""
}

// toUnit maps a VM, enriched with its VMI when one exists.
func (p *KubeVirtProvisioner) toUnit(ctx context.Context, vm *kubevirtv1.VirtualMachine) *Unit {
	u := &Unit{
		ID:          vm.Name,
		Owner:       vm.Annotations[AnnotationOwner],
		Controllers: parseControllers(vm.Annotations[AnnotationControllers]),
		Phase:       UnitPhaseProvisioned,
		CreatedAt:   vm.CreationTimestamp.Time,
	}
	if vm.Annotations[AnnotationInstalledImage] != "" {
		u.Phase = UnitPhaseInstalled
	}

	vmi, err := p.client.VMI().Get(ctx, vm.Namespace, vm.Name, k8smetav1.GetOptions{})
	if err == nil && vmi.Status.Phase == kubevirtv1.Running {
		u.Phase = UnitPhaseRunning
		u.Address = vmiAddress(vmi)
	}
	return u
}

func parseControllers(s string) domain.Controllers {
	if s == "" {
		return nil
	}
	return domain.Controllers(strings.Split(s, ","))
}

// buildUnitVM creates the halted VM object for a new unit.
func buildUnitVM(namespace, name string, req CreateRequest) (*kubevirtv1.VirtualMachine, error) {
	tmpl := req.Template
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	labels := map[string]string{labelManagedBy: managedByValue}
	for k, v := range tmpl.Labels {
		labels[k] = v
	}

	halted := kubevirtv1.RunStrategyHalted
	return &kubevirtv1.VirtualMachine{
		ObjectMeta: k8smetav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
			Annotations: map[string]string{
				AnnotationOwner:            req.Owner,
				AnnotationControllers:      strings.Join(req.Controllers, ","),
				AnnotationFundingCredits:   strconv.FormatUint(req.FundingCredits, 10),
				AnnotationIdempotencyKey:   req.IdempotencyKey,
				AnnotationInterfaceVersion: tmpl.InterfaceVersion,
			},
		},
		Spec: kubevirtv1.VirtualMachineSpec{
			RunStrategy: &halted,
			Template: &kubevirtv1.VirtualMachineInstanceTemplateSpec{
				ObjectMeta: k8smetav1.ObjectMeta{Labels: labels},
				Spec: kubevirtv1.VirtualMachineInstanceSpec{
					Domain: kubevirtv1.DomainSpec{
						Resources: kubevirtv1.ResourceRequirements{
							Requests: k8sv1.ResourceList{
								k8sv1.ResourceCPU:    *resource.NewQuantity(int64(tmpl.CPU), resource.DecimalSI),
								k8sv1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", tmpl.MemoryMB)),
							},
						},
					},
				},
			},
		},
	}, nil
}

// applyImage attaches the root disk and cloud-init volume and sets the VM
// to run.
func applyImage(vm *kubevirtv1.VirtualMachine, tmpl *UnitTemplate) {
	if vm.Spec.Template == nil {
		vm.Spec.Template = &kubevirtv1.VirtualMachineInstanceTemplateSpec{}
	}
	spec := &vm.Spec.Template.Spec

	spec.Volumes = []kubevirtv1.Volume{
		{
			Name: rootDiskName,
			VolumeSource: kubevirtv1.VolumeSource{
				ContainerDisk: &kubevirtv1.ContainerDiskSource{Image: tmpl.Image},
			},
		},
		{
			Name: cloudInitName,
			VolumeSource: kubevirtv1.VolumeSource{
				CloudInitNoCloud: &kubevirtv1.CloudInitNoCloudSource{UserData: cloudInitUserData(vm, tmpl)},
			},
		},
	}
	spec.Domain.Devices.Disks = []kubevirtv1.Disk{
		{Name: rootDiskName, DiskDevice: kubevirtv1.DiskDevice{Disk: &kubevirtv1.DiskTarget{}}},
		{Name: cloudInitName, DiskDevice: kubevirtv1.DiskDevice{Disk: &kubevirtv1.DiskTarget{}}},
	}

	always := kubevirtv1.RunStrategyAlways
	vm.Spec.RunStrategy = &always
	if vm.Annotations == nil {
		vm.Annotations = make(map[string]string)
	}
	vm.Annotations[AnnotationInstalledImage] = tmpl.Image
	vm.Annotations[AnnotationInterfaceVersion] = tmpl.InterfaceVersion
}

// cloudInitUserData passes the init arguments and identity to the unit
// daemon on first boot.
func cloudInitUserData(vm *kubevirtv1.VirtualMachine, tmpl *UnitTemplate) string {
	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("write_files:\n")
	b.WriteString("  - path: /etc/unitd/env\n")
	b.WriteString("    content: |\n")
	fmt.Fprintf(&b, "      UNIT_ID=%s\n", vm.Name)
	fmt.Fprintf(&b, "      UNIT_OWNER=%s\n", vm.Annotations[AnnotationOwner])
	fmt.Fprintf(&b, "      UNIT_INTERFACE_VERSION=%s\n", tmpl.InterfaceVersion)
	if len(tmpl.InitArgs) > 0 {
		fmt.Fprintf(&b, "      UNIT_INIT_ARGS=%s\n", strings.Join(tmpl.InitArgs, " "))
	}
	return b.String()
}

// mapK8sError converts API errors into the provider error contract.
func mapK8sError(op, unitID string, err error) error {
	switch {
	case k8serrors.IsNotFound(err):
		return apperrors.ErrProviderUnitNotFound(unitID)
	case k8serrors.IsConflict(err),
		k8serrors.IsServerTimeout(err),
		k8serrors.IsTimeout(err),
		k8serrors.IsTooManyRequests(err),
		k8serrors.IsServiceUnavailable(err),
		k8serrors.IsInternalError(err):
		return apperrors.ErrProviderUnavailable(op, err)
	default:
		return apperrors.Wrap(err, apperrors.CodeProviderUnavailable, fmt.Sprintf("%s failed for unit %s", op, unitID), http.StatusBadGateway)
	}
}
