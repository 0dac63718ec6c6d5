package k8s

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"

	"workload-launcher-go/internal/models"
)

// PodCondition is a named predicate over a pod snapshot.
type PodCondition struct {
	Name  string
	Match func(pod *corev1.Pod) bool
}

var (
	// Initialized matches an orchestrator whose init container is running
	// (waiting for files) or which has already finished initialising.
	Initialized = PodCondition{Name: "initialized", Match: IsInitialized}
	// ReadyOrTerminal matches a pod that is ready, succeeded or failed.
	ReadyOrTerminal = PodCondition{Name: "ready-or-terminal", Match: IsReadyOrTerminal}
)

// CreatePods creates one pod per descriptor, in order. Pods created before a
// failure are returned alongside the error and are left in place.
func (c *Client) CreatePods(ctx context.Context, descs []models.PodDescriptor) ([]models.PodHandle, error) {
	handles := make([]models.PodHandle, 0, len(descs))
	for _, desc := range descs {
		pod := BuildPod(c.namespace, c.serviceAccount, desc)
		created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
		if err != nil {
			return handles, fmt.Errorf("failed to create pod %s: %w", desc.Name, err)
		}
		c.logger.Debug("Pod created",
			zap.String("pod", created.Name),
			zap.String("role", string(desc.Role)),
		)
		handles = append(handles, models.PodHandle{Name: created.Name, Namespace: created.Namespace, Role: desc.Role})
	}
	return handles, nil
}

// ListPods returns the pods matching selector, including terminal ones.
func (c *Client) ListPods(ctx context.Context, selector map[string]string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods %s: %w", labels.SelectorFromSet(selector), err)
	}
	return list.Items, nil
}

// PodsExist reports whether any pod not already being deleted matches selector.
func (c *Client) PodsExist(ctx context.Context, selector map[string]string) (bool, error) {
	pods, err := c.ListPods(ctx, selector)
	if err != nil {
		return false, err
	}
	for i := range pods {
		if pods[i].DeletionTimestamp == nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteActivePods issues deletes for every non-terminal pod matching selector
// and returns their names. Deletion is not waited on.
func (c *Client) DeleteActivePods(ctx context.Context, selector map[string]string) ([]string, error) {
	return c.deletePods(ctx, selector, func(pod *corev1.Pod) bool { return !IsTerminal(pod) })
}

// DeletePods issues deletes for every pod matching selector, terminal or not.
func (c *Client) DeletePods(ctx context.Context, selector map[string]string) ([]string, error) {
	return c.deletePods(ctx, selector, func(*corev1.Pod) bool { return true })
}

// DeletePod deletes a single pod by name. A pod that is already gone is not an error.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	return nil
}

func (c *Client) deletePods(ctx context.Context, selector map[string]string, keep func(*corev1.Pod) bool) ([]string, error) {
	pods, err := c.ListPods(ctx, selector)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		errs    error
	)
	for i := range pods {
		pod := &pods[i]
		if pod.DeletionTimestamp != nil || !keep(pod) {
			continue
		}
		err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete pod %s: %w", pod.Name, err))
			continue
		}
		deleted = append(deleted, pod.Name)
	}

	if len(deleted) > 0 {
		c.logger.Info("Pods deleted",
			zap.Strings("pods", deleted),
			zap.String("selector", labels.SelectorFromSet(selector).String()),
		)
	}
	return deleted, errs
}

// WaitForCondition polls until a live pod matching selector satisfies cond,
// giving up after timeout.
func (c *Client) WaitForCondition(ctx context.Context, selector map[string]string, cond PodCondition, timeout time.Duration) error {
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, c.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pods, err := c.ListPods(ctx, selector)
		if err != nil {
			// Listing is retried until the budget runs out.
			lastErr = err
			return false, nil
		}
		for i := range pods {
			if pods[i].DeletionTimestamp == nil && cond.Match(&pods[i]) {
				return true, nil
			}
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		err = multierr.Append(err, lastErr)
	}
	return fmt.Errorf("pods %s not %s within %s: %w", labels.SelectorFromSet(selector), cond.Name, timeout, err)
}

// CopyFiles injects files into the config volume of the orchestrator pod.
func (c *Client) CopyFiles(ctx context.Context, pod models.PodHandle, files map[string][]byte) error {
	if c.copier == nil {
		return fmt.Errorf("no file copier configured")
	}
	namespace := pod.Namespace
	if namespace == "" {
		namespace = c.namespace
	}
	if err := c.copier.Copy(ctx, namespace, pod.Name, InitContainerName, ConfigDir, files); err != nil {
		return fmt.Errorf("failed to copy %d files to pod %s: %w", len(files), pod.Name, err)
	}
	return nil
}

// IsTerminal reports whether the pod has succeeded or failed.
func IsTerminal(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// IsReady checks if a pod is running with a true Ready condition.
func IsReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

// IsReadyOrTerminal is the success predicate for supervised role pods.
func IsReadyOrTerminal(pod *corev1.Pod) bool {
	return IsReady(pod) || IsTerminal(pod)
}

// IsInitialized reports whether the orchestrator can receive files.
func IsInitialized(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodInitialized && condition.Status == corev1.ConditionTrue {
			return true
		}
	}
	for _, status := range pod.Status.InitContainerStatuses {
		if status.Name == InitContainerName && status.State.Running != nil {
			return true
		}
	}
	return false
}
