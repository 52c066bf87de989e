package provider

import (
	"context"
	"fmt"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/clientcmd"
	kubevirtv1 "kubevirt.io/api/core/v1"
	"kubevirt.io/client-go/kubecli"
)

// NewKubeVirtClient builds a client from a kubeconfig file. An empty path
// uses the in-cluster service account.
func NewKubeVirtClient(kubeconfigPath string) (KubeVirtClient, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}

	virtClient, err := kubecli.GetKubevirtClientFromRESTConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubevirt client: %w", err)
	}
	return &kubevirtClient{client: virtClient}, nil
}

type kubevirtClient struct {
	client kubecli.KubevirtClient
}

func (c *kubevirtClient) VM() VirtualMachineClient {
	return &kubevirtVMClient{client: c.client}
}

func (c *kubevirtClient) VMI() VirtualMachineInstanceClient {
	return &kubevirtVMIClient{client: c.client}
}

type kubevirtVMClient struct {
	client kubecli.KubevirtClient
}

func (c *kubevirtVMClient) Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Get(ctx, name, opts)
}

func (c *kubevirtVMClient) Create(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.CreateOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Create(ctx, vm, opts)
}

func (c *kubevirtVMClient) Update(ctx context.Context, namespace string, vm *kubevirtv1.VirtualMachine, opts k8smetav1.UpdateOptions) (*kubevirtv1.VirtualMachine, error) {
	return c.client.VirtualMachine(namespace).Update(ctx, vm, opts)
}

type kubevirtVMIClient struct {
	client kubecli.KubevirtClient
}

func (c *kubevirtVMIClient) Get(ctx context.Context, namespace, name string, opts k8smetav1.GetOptions) (*kubevirtv1.VirtualMachineInstance, error) {
	return c.client.VirtualMachineInstance(namespace).Get(ctx, name, opts)
}
