package provider

import (
	"context"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubevirtv1 "kubevirt.io/api/core/v1"
)

// VirtualMachineClient abstracts the KubeVirt VM operations the provisioner
// uses. The kubecli binding lives in kubecli_adapter.go; tests supply a fake.
type VirtualMachineClient interface {
	Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachine, error)
	Create(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.CreateOptions) (*kubevirtv1.VirtualMachine, error)
	Update(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.UpdateOptions) (*kubevirtv1.VirtualMachine, error)
}

// VirtualMachineInstanceClient abstracts KubeVirt VMI reads.
type VirtualMachineInstanceClient interface {
	Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachineInstance, error)
}

// KubeVirtClient provides the VM and VMI clients of one cluster.
type KubeVirtClient interface {
	VM() VirtualMachineClient
	VMI() VirtualMachineInstanceClient
}
