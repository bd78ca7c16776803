// Package kubernetes provides a pod provider that runs GPU workers on a Kubernetes cluster.
package kubernetes

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/crabzie/gpu-dispatcher/internal/core/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	appLabel       = "gpu-dispatcher-worker"
	managedByLabel = "app.kubernetes.io/managed-by"
	podIDLabel     = "dispatch.crabzie.io/pod-id"
)

type Config struct {
	Namespace    string
	GPUResource  string // extended resource name, default nvidia.com/gpu
	NodeSelector map[string]string
	Port         int
}

// Provider starts one bare pod per cloud pod, each holding a single GPU
type Provider struct {
	clientset kubernetes.Interface
	cfg       Config
	log       *zap.Logger
}

// NewClientset uses the in-cluster config, falling back to kubeconfig (or ~/.kube/config)
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

func NewProvider(clientset kubernetes.Interface, cfg Config, log *zap.Logger) *Provider {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.GPUResource == "" {
		cfg.GPUResource = "nvidia.com/gpu"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8188
	}
	return &Provider{clientset: clientset, cfg: cfg, log: log}
}

func (p *Provider) Provision(ctx context.Context, spec domain.PodSpec) (domain.PodHandle, error) {
	port := spec.Port
	if port <= 0 {
		port = p.cfg.Port
	}
	name := spec.Name
	if name == "" {
		name = "gpu-worker-" + uuid.NewString()[:8]
	}

	env := []corev1.EnvVar{{Name: "COMFYUI_PORT", Value: strconv.Itoa(port)}}
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	gpu := corev1.ResourceName(p.cfg.GPUResource)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.cfg.Namespace,
			Labels: map[string]string{
				"app":          appLabel,
				managedByLabel: "gpu-dispatcher",
				podIDLabel:     name,
			},
			Annotations: map[string]string{
				"dispatch.crabzie.io/gpu-type":      spec.GPUType,
				"dispatch.crabzie.io/cost-per-hour": strconv.FormatFloat(spec.CostPerHour, 'f', -1, 64),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeSelector:  p.cfg.NodeSelector,
			Tolerations: []corev1.Toleration{{
				Key:      p.cfg.GPUResource,
				Operator: corev1.TolerationOpExists,
				Effect:   corev1.TaintEffectNoSchedule,
			}},
			Containers: []corev1.Container{{
				Name:            "comfyui",
				Image:           spec.Image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Env:             env,
				Ports:           []corev1.ContainerPort{{Name: "http", ContainerPort: int32(port)}},
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{gpu: resource.MustParse("1")},
				},
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{Path: "/system_stats", Port: intstr.FromInt32(int32(port))},
					},
					PeriodSeconds:    5,
					TimeoutSeconds:   5,
					FailureThreshold: 3,
				},
			}},
		},
	}

	created, err := p.clientset.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return domain.PodHandle{}, fmt.Errorf("failed to create gpu pod: %w", err)
	}
	p.log.Info("Pod created", zap.String("provider_id", created.Name), zap.String("namespace", p.cfg.Namespace))
	return domain.PodHandle{ID: created.Name, CostPerHour: spec.CostPerHour}, nil
}

// Status is ready once the kubelet reports the pod Ready; fatal container states map to error
func (p *Provider) Status(ctx context.Context, handle domain.PodHandle) (domain.ProviderStatus, error) {
	pod, err := p.clientset.CoreV1().Pods(p.cfg.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return domain.ProviderStatus{Phase: domain.ProviderPhaseError, Message: "pod not found"}, nil
	}
	if err != nil {
		return domain.ProviderStatus{}, fmt.Errorf("failed to get pod status: %w", err)
	}

	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		return domain.ProviderStatus{Phase: domain.ProviderPhaseError, Message: string(pod.Status.Phase) + ": " + pod.Status.Reason}, nil
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case "ErrImagePull", "ImagePullBackOff", "CrashLoopBackOff", "CreateContainerConfigError", "InvalidImageName":
				return domain.ProviderStatus{Phase: domain.ProviderPhaseError, Message: w.Reason + ": " + w.Message}, nil
			}
		}
	}

	if pod.Status.Phase == corev1.PodRunning && podReady(pod) && pod.Status.PodIP != "" {
		return domain.ProviderStatus{
			Phase:    domain.ProviderPhaseReady,
			Endpoint: fmt.Sprintf("http://%s:%d", pod.Status.PodIP, containerPort(pod, p.cfg.Port)),
		}, nil
	}
	return domain.ProviderStatus{Phase: domain.ProviderPhasePending, Message: string(pod.Status.Phase)}, nil
}

// Terminate deletes the pod; a pod that is already gone counts as terminated
func (p *Provider) Terminate(ctx context.Context, handle domain.PodHandle) error {
	grace := int64(10)
	err := p.clientset.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, handle.ID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	p.log.Info("Pod deleted", zap.String("provider_id", handle.ID))
	return nil
}

// Orphans lists pods carrying the dispatcher labels. At startup every such pod
// was left behind by a previous process and is still holding a GPU.
func (p *Provider) Orphans(ctx context.Context) ([]domain.PodHandle, error) {
	list, err := p.clientset.CoreV1().Pods(p.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedByLabel + "=gpu-dispatcher",
	})
	if err != nil {
		return nil, err
	}
	var out []domain.PodHandle
	for _, pod := range list.Items {
		out = append(out, domain.PodHandle{ID: pod.Name})
	}
	return out, nil
}

func podReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func containerPort(pod *corev1.Pod, fallback int) int {
	for _, c := range pod.Spec.Containers {
		for _, port := range c.Ports {
			if port.Name == "http" {
				return int(port.ContainerPort)
			}
		}
	}
	return fallback
}
