// Package pods composes atomic Kubernetes pod operations into the launch
// protocol: preempt, create, wait for init, inject files, wait for ready.
package pods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workload-launcher-go/internal/k8s"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
)

const (
	DefaultOrchestratorInitTimeout = 5 * time.Minute
	DefaultFullPodTimeout          = 7 * time.Minute
	DefaultTimeoutSlack            = 5 * time.Second
)

// Cluster is the set of Kubernetes primitives the lifecycle client composes.
// *k8s.Client implements it.
type Cluster interface {
	CreatePods(ctx context.Context, descs []models.PodDescriptor) ([]models.PodHandle, error)
	PodsExist(ctx context.Context, selector map[string]string) (bool, error)
	DeleteActivePods(ctx context.Context, selector map[string]string) ([]string, error)
	WaitForCondition(ctx context.Context, selector map[string]string, cond k8s.PodCondition, timeout time.Duration) error
	CopyFiles(ctx context.Context, pod models.PodHandle, files map[string][]byte) error
}

// InputMapper builds the provisioning descriptor of a request.
type InputMapper interface {
	ToKubeInput(req models.LaunchRequest, set labels.LabelSet) (*models.KubeInput, error)
}

// Observer receives pod initialisation outcomes. It must not affect the launch.
type Observer interface {
	PodStep(kind models.WorkloadKind, step Step, role models.PodRole, duration time.Duration, err error)
}

// Timeouts bounds every wait of the protocol.
type Timeouts struct {
	OrchestratorInit time.Duration
	FullPod          time.Duration
	Slack            time.Duration
}

// DefaultTimeouts returns the standard timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		OrchestratorInit: DefaultOrchestratorInitTimeout,
		FullPod:          DefaultFullPodTimeout,
		Slack:            DefaultTimeoutSlack,
	}
}

// ConnectorStartup is the wait budget for each supervised role pod.
func (t Timeouts) ConnectorStartup() time.Duration {
	return t.FullPod + t.Slack
}

// LaunchResult describes a successfully provisioned pod set.
type LaunchResult struct {
	Kind      models.WorkloadKind
	Pods      []models.PodHandle
	Preempted []string
}

// Client realises a KubeInput as running, verified pods while keeping at most
// one active pod set per mutex key. It never retries internally.
type Client struct {
	cluster  Cluster
	labeler  *labels.Labeler
	mapper   InputMapper
	observer Observer
	timeouts Timeouts
	logger   *zap.Logger
}

// NewClient creates a lifecycle client.
func NewClient(cluster Cluster, labeler *labels.Labeler, mapper InputMapper, observer Observer, timeouts Timeouts, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if labeler == nil {
		labeler = labels.NewLabeler()
	}
	return &Client{
		cluster:  cluster,
		labeler:  labeler,
		mapper:   mapper,
		observer: observer,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Launch dispatches on the payload kind.
func (c *Client) Launch(ctx context.Context, req models.LaunchRequest) (*LaunchResult, error) {
	kind, err := req.Payload.Kind()
	if err != nil {
		return nil, err
	}
	if kind == models.WorkloadKindReplication {
		return c.LaunchReplication(ctx, req)
	}
	return c.LaunchCheck(ctx, req)
}

// LaunchReplication provisions orchestrator, source and destination pods.
func (c *Client) LaunchReplication(ctx context.Context, req models.LaunchRequest) (*LaunchResult, error) {
	if req.Payload.Replication == nil {
		return nil, fmt.Errorf("launch replication: %w", models.ErrEmptyPayload)
	}
	return c.launch(ctx, req)
}

// LaunchCheck provisions orchestrator and connector pods.
func (c *Client) LaunchCheck(ctx context.Context, req models.LaunchRequest) (*LaunchResult, error) {
	if req.Payload.Check == nil {
		return nil, fmt.Errorf("launch check: %w", models.ErrEmptyPayload)
	}
	return c.launch(ctx, req)
}

func (c *Client) launch(ctx context.Context, req models.LaunchRequest) (*LaunchResult, error) {
	set, err := c.labeler.Labels(labels.IdentityOf(req))
	if err != nil {
		return nil, err
	}
	input, err := c.mapper.ToKubeInput(req, set)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("workload_id", req.WorkloadID),
		zap.String("mutex_key", req.MutexKey),
		zap.String("kind", string(input.Kind)),
		zap.String("orchestrator", input.Orchestrator.Name),
	)
	orch := input.Orchestrator
	result := &LaunchResult{Kind: input.Kind}

	// 1. Preemption is best effort: a failure is logged and the launch proceeds.
	start := time.Now()
	preempted, err := c.cluster.DeleteActivePods(ctx, set.Mutex)
	c.observer.PodStep(input.Kind, StepPreempt, models.RoleOrchestrator, time.Since(start), err)
	if err != nil {
		logger.Warn("Failed to preempt existing mutex pods", zap.Error(err))
	}
	if len(preempted) > 0 {
		logger.Info("Preempted stale pod set", zap.Strings("pods", preempted))
	}
	result.Preempted = preempted

	// 2. Create every pod of the set.
	start = time.Now()
	handles, err := c.cluster.CreatePods(ctx, input.Descriptors())
	c.observer.PodStep(input.Kind, StepCreate, models.RoleOrchestrator, time.Since(start), err)
	if err != nil {
		return nil, c.fail(logger, StepCreate, orch, fmt.Sprintf("failed to create pod %s", orch.Name), err)
	}
	result.Pods = handles

	// 3. Wait for the orchestrator to accept files. Descriptor labels carry the
	// launch id, so finished pods of an earlier attempt never satisfy a wait.
	start = time.Now()
	err = c.cluster.WaitForCondition(ctx, orch.Labels, k8s.Initialized, c.timeouts.OrchestratorInit)
	c.observer.PodStep(input.Kind, StepWaitInit, models.RoleOrchestrator, time.Since(start), err)
	if err != nil {
		return nil, c.fail(logger, StepWaitInit, orch, "orchestrator pod failed to start within allotted timeout", err)
	}

	// 4. Inject files. Created pods are left running on failure.
	start = time.Now()
	err = c.cluster.CopyFiles(ctx, handleFor(handles, orch), input.Files)
	c.observer.PodStep(input.Kind, StepCopyFiles, models.RoleOrchestrator, time.Since(start), err)
	if err != nil {
		return nil, c.fail(logger, StepCopyFiles, orch, fmt.Sprintf("failed to copy files to orchestrator pod %s", orch.Name), err)
	}

	// 5. Each supervised pod must become ready or terminal.
	for _, role := range input.Roles {
		start = time.Now()
		err = c.cluster.WaitForCondition(ctx, role.Labels, k8s.ReadyOrTerminal, c.timeouts.ConnectorStartup())
		c.observer.PodStep(input.Kind, StepWaitReady, role.Role, time.Since(start), err)
		if err != nil {
			return nil, c.fail(logger, StepWaitReady, role, fmt.Sprintf("%s pod failed to start within allotted timeout", role.Role), err)
		}
	}

	logger.Info("Pod set launched", zap.Int("pods", len(handles)))
	return result, nil
}

func (c *Client) fail(logger *zap.Logger, step Step, desc models.PodDescriptor, message string, err error) error {
	logger.Error("Pod initialisation failed",
		zap.String("step", string(step)),
		zap.String("pod", desc.Name),
		zap.String("role", string(desc.Role)),
		zap.Error(err),
	)
	return &PodInitError{Step: step, PodName: desc.Name, Role: desc.Role, Message: message, Err: err}
}

// PodsExistForAutoID reports whether any live pod was launched for autoID.
func (c *Client) PodsExistForAutoID(ctx context.Context, autoID uuid.UUID) (bool, error) {
	selector, err := c.labeler.AutoIDLabels(autoID)
	if err != nil {
		return false, err
	}
	return c.cluster.PodsExist(ctx, selector)
}

// DeleteMutexPods deletes the active pod set of mutexKey and reports whether
// anything was deleted. Calling it for a key with no pods is a no-op.
func (c *Client) DeleteMutexPods(ctx context.Context, mutexKey string) (bool, error) {
	selector, err := c.labeler.MutexLabels(mutexKey)
	if err != nil {
		return false, err
	}
	deleted, err := c.cluster.DeleteActivePods(ctx, selector)
	if err != nil {
		c.logger.Warn("Some mutex pods could not be deleted",
			zap.String("mutex_key", mutexKey),
			zap.Strings("deleted", deleted),
			zap.Error(err),
		)
	}
	return len(deleted) > 0, err
}

// IsPodInitError reports whether err is, or wraps, a PodInitError.
func IsPodInitError(err error) bool {
	var pie *PodInitError
	return errors.As(err, &pie)
}

func handleFor(handles []models.PodHandle, desc models.PodDescriptor) models.PodHandle {
	for _, h := range handles {
		if h.Name == desc.Name {
			return h
		}
	}
	return models.PodHandle{Name: desc.Name, Role: desc.Role}
}

type nopObserver struct{}

func (nopObserver) PodStep(models.WorkloadKind, Step, models.PodRole, time.Duration, error) {}
