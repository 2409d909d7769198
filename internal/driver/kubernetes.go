package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// KubeRuntime adapts a Kubernetes namespace to the container capability
// set: VNF instances are single-container pods, probes are container exec
// readiness, and the scrape hook pulls the pod's metrics port.
type KubeRuntime struct {
	clientset *kubernetes.Clientset
	namespace string
	logger    *zap.Logger
	httpc     *http.Client
}

func NewKubeRuntime(namespace string, logger *zap.Logger) (*KubeRuntime, error) {
	if namespace == "" {
		namespace = "default"
	}
	clientset, err := buildClientset()
	if err != nil {
		return nil, fmt.Errorf("could not create kubernetes client: %w", err)
	}
	return &KubeRuntime{
		clientset: clientset,
		namespace: namespace,
		logger:    logger,
		httpc:     &http.Client{Timeout: 2 * time.Second},
	}, nil
}

func buildClientset() (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return kubernetes.NewForConfig(config)
	}

	kubeconfigPath := os.Getenv("KUBECONFIG")
	if kubeconfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not get home directory: %w", err)
		}
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}
	if _, err := os.Stat(kubeconfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubeconfig not found at %s", kubeconfigPath)
	}

	config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (r *KubeRuntime) Create(ctx context.Context, image string, env map[string]string) (ContainerInfo, error) {
	podEnv := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		podEnv = append(podEnv, corev1.EnvVar{Name: k, Value: v})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("%s-", env["VNF_TYPE"]),
			Namespace:    r.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "sfc-orchestrator",
				"vnf-type":                     env["VNF_TYPE"],
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "vnf",
				Image: image,
				Env:   podEnv,
				Ports: []corev1.ContainerPort{{Name: "metrics", ContainerPort: 8080}},
			}},
		},
	}

	var created *corev1.Pod
	err := withRetry(ctx, 3, 500*time.Millisecond, func() error {
		var cerr error
		created, cerr = r.clientset.CoreV1().Pods(r.namespace).Create(ctx, pod, metav1.CreateOptions{})
		if cerr == nil {
			return nil
		}
		if apierrors.IsForbidden(cerr) || apierrors.IsInvalid(cerr) {
			return model.NewError(model.ErrCodeInsufficientRes, "pod create rejected").WithCause(cerr)
		}
		return model.NewError(model.ErrCodeTransientIO, "pod create failed").WithCause(cerr)
	})
	if err != nil {
		return ContainerInfo{}, err
	}

	r.logger.Info("Pod created",
		zap.String("pod", created.Name),
		zap.String("namespace", r.namespace),
	)
	return ContainerInfo{ID: created.Name, State: ContainerRunning}, nil
}

func (r *KubeRuntime) Destroy(ctx context.Context, id string) error {
	return withRetry(ctx, 3, 500*time.Millisecond, func() error {
		err := r.clientset.CoreV1().Pods(r.namespace).Delete(ctx, id, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return model.NewError(model.ErrCodeTransientIO, fmt.Sprintf("pod delete %s failed", id)).WithCause(err)
		}
		return nil
	})
}

func (r *KubeRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	pod, err := r.clientset.CoreV1().Pods(r.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ContainerInfo{ID: id, State: ContainerGone}, nil
		}
		return ContainerInfo{}, model.NewError(model.ErrCodeTransientIO, "pod inspect failed").WithCause(err)
	}

	info := ContainerInfo{ID: id}
	switch pod.Status.Phase {
	case corev1.PodRunning, corev1.PodPending:
		info.State = ContainerRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		info.State = ContainerExited
	default:
		info.State = ContainerGone
	}
	if pod.Status.PodIP != "" {
		info.ScrapeAddr = fmt.Sprintf("http://%s:8080/metrics", pod.Status.PodIP)
	}
	return info, nil
}

// ExecProbe approximates a container exec health command with the pod's
// readiness: exit 0 once the pod is Running and every container reports
// ready.
func (r *KubeRuntime) ExecProbe(ctx context.Context, id string, command []string) (int, error) {
	pod, err := r.clientset.CoreV1().Pods(r.namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 1, model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("pod %s gone", id))
		}
		return 1, model.NewError(model.ErrCodeTransientIO, "probe failed").WithCause(err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return 1, nil
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return 1, nil
		}
	}
	return 0, nil
}

// Metrics pulls the pod's text exposition over HTTP.
func (r *KubeRuntime) Metrics(ctx context.Context, id string) ([]byte, error) {
	info, err := r.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.ScrapeAddr == "" {
		return nil, model.NewError(model.ErrCodeTransientIO, fmt.Sprintf("pod %s has no address yet", id))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.ScrapeAddr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, model.NewError(model.ErrCodeTransientIO, "metrics pull failed").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewError(model.ErrCodeTransientIO,
			fmt.Sprintf("metrics pull returned %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}
