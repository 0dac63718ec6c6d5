// Package reaper removes pod sets the launch path left behind: pods that
// finished long ago, sets whose orchestrator never came up, and connector
// pods whose orchestrator is gone. Only one launcher replica reaps at a time.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"workload-launcher-go/internal/k8s"
	"workload-launcher-go/internal/labels"
	"workload-launcher-go/internal/models"
)

// Reasons reported to the observer.
const (
	ReasonTerminal = "terminal"
	ReasonStuck    = "stuck"
	ReasonOrphaned = "orphaned"
)

// Cluster is the subset of the Kubernetes client the reaper uses.
type Cluster interface {
	ListPods(ctx context.Context, selector map[string]string) ([]corev1.Pod, error)
	DeleteActivePods(ctx context.Context, selector map[string]string) ([]string, error)
	DeletePod(ctx context.Context, name string) error
}

// Observer receives reaper events.
type Observer interface {
	PodSetReaped(reason string)
	PanicRecovered(component string)
}

type nopObserver struct{}

func (nopObserver) PodSetReaped(string)   {}
func (nopObserver) PanicRecovered(string) {}

// LeaderElection configures the lease guarding the reaper.
type LeaderElection struct {
	Enabled       bool
	LockName      string
	Namespace     string
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// Config tunes the sweep.
type Config struct {
	Interval time.Duration
	// TerminalTTL is how long a finished pod is kept for inspection.
	TerminalTTL time.Duration
	// StuckTTL is how long an active set may go without becoming ready.
	StuckTTL       time.Duration
	LeaderElection LeaderElection
}

// Reaper periodically sweeps launcher-managed pods.
type Reaper struct {
	cluster  Cluster
	leases   kubernetes.Interface
	config   Config
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	isLeader atomic.Bool
}

// New creates a reaper. leases may be nil when leader election is disabled.
func New(cluster Cluster, leases kubernetes.Interface, cfg Config, observer Observer, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Reaper{
		cluster:  cluster,
		leases:   leases,
		config:   cfg,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// IsLeader returns true if this instance is currently sweeping.
func (r *Reaper) IsLeader() bool {
	return r.isLeader.Load()
}

// Run sweeps until ctx is cancelled. With leader election enabled it
// campaigns for the lease and re-campaigns after losing it.
func (r *Reaper) Run(ctx context.Context) error {
	le := r.config.LeaderElection
	if !le.Enabled || r.leases == nil {
		r.logger.Info("Leader election disabled, reaping directly")
		r.isLeader.Store(true)
		defer r.isLeader.Store(false)
		r.safeGo(ctx, "sweep", func() { r.sweepLoop(ctx) })
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.LockName,
			Namespace: le.Namespace,
		},
		Client: r.leases.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.Identity,
		},
	}

	r.logger.Info("Starting leader election",
		zap.String("lock_name", le.LockName),
		zap.String("namespace", le.Namespace),
		zap.String("identity", le.Identity),
	)

	for ctx.Err() == nil {
		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   le.LeaseDuration,
			RenewDeadline:   le.RenewDeadline,
			RetryPeriod:     le.RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					r.logger.Info("Acquired reaper lease")
					r.isLeader.Store(true)
					r.safeGo(ctx, "sweep", func() { r.sweepLoop(ctx) })
				},
				OnStoppedLeading: func() {
					r.logger.Info("Released reaper lease")
					r.isLeader.Store(false)
				},
				OnNewLeader: func(identity string) {
					if identity == le.Identity {
						return
					}
					r.logger.Info("Reaper leader elected", zap.String("leader", identity))
				},
			},
		})
	}
	return nil
}

func (r *Reaper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("terminal_ttl", r.config.TerminalTTL),
		zap.Duration("stuck_ttl", r.config.StuckTTL),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// mutexGroup is every managed pod sharing one mutex label value.
type mutexGroup struct {
	key  string
	pods []*corev1.Pod
}

// Sweep runs one pass and returns the number of pod sets reaped.
//
// The mutex guarantees at most one active set per key, so an active
// orchestrator that is stuck owns every active pod of its key and the whole
// key can be cleared. Finished pods are removed one by one.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	pods, err := r.cluster.ListPods(ctx, map[string]string{labels.LabelManagedBy: labels.ManagedByValue})
	if err != nil {
		return 0, err
	}

	groups := map[string]*mutexGroup{}
	var order []string
	for i := range pods {
		pod := &pods[i]
		key := pod.Labels[labels.LabelMutexKey]
		if key == "" || pod.DeletionTimestamp != nil {
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &mutexGroup{key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.pods = append(g.pods, pod)
	}

	now := r.now()
	reaped := 0
	for _, key := range order {
		reaped += r.sweepGroup(ctx, groups[key], now)
	}

	if reaped > 0 {
		r.logger.Info("Reaper sweep completed",
			zap.Int("pods_checked", len(pods)),
			zap.Int("sets_reaped", reaped),
		)
	}
	return reaped, nil
}

func (r *Reaper) sweepGroup(ctx context.Context, g *mutexGroup, now time.Time) int {
	logger := r.logger.With(zap.String("mutex_label", g.key))
	selector := map[string]string{
		labels.LabelManagedBy: labels.ManagedByValue,
		labels.LabelMutexKey:  g.key,
	}

	var (
		activeOrchestrator *corev1.Pod
		activeOthers       []*corev1.Pod
		finished           []*corev1.Pod
	)
	for _, pod := range g.pods {
		switch {
		case k8s.IsTerminal(pod):
			finished = append(finished, pod)
		case isOrchestrator(pod):
			activeOrchestrator = pod
		default:
			activeOthers = append(activeOthers, pod)
		}
	}

	reaped := 0
	clearActive := func(reason string) {
		deleted, err := r.cluster.DeleteActivePods(ctx, selector)
		if err != nil {
			logger.Warn("Failed to reap pod set", zap.String("reason", reason), zap.Error(err))
		}
		if len(deleted) > 0 {
			logger.Warn("Reaped pod set", zap.String("reason", reason), zap.Strings("pods", deleted))
			r.observer.PodSetReaped(reason)
			reaped++
		}
	}

	switch {
	case activeOrchestrator != nil:
		if !k8s.IsReady(activeOrchestrator) && age(activeOrchestrator, now) > r.config.StuckTTL {
			clearActive(ReasonStuck)
		}
	case len(activeOthers) > 0:
		// Connectors without an orchestrator are never supervised.
		for _, pod := range activeOthers {
			if age(pod, now) > r.config.StuckTTL {
				clearActive(ReasonOrphaned)
				break
			}
		}
	}

	for _, pod := range finished {
		if now.Sub(finishedAt(pod)) <= r.config.TerminalTTL {
			continue
		}
		if err := r.cluster.DeletePod(ctx, pod.Name); err != nil {
			logger.Warn("Failed to reap finished pod", zap.String("pod", pod.Name), zap.Error(err))
			continue
		}
		logger.Debug("Reaped finished pod", zap.String("pod", pod.Name))
		if isOrchestrator(pod) {
			r.observer.PodSetReaped(ReasonTerminal)
			reaped++
		}
	}
	return reaped
}

// safeGo runs fn and restarts it with exponential backoff (1s doubling to
// 30s) after it panics or returns, until ctx is cancelled.
func (r *Reaper) safeGo(ctx context.Context, name string, fn func()) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.observer.PanicRecovered("reaper")
					r.logger.Error("background goroutine panicked, restarting",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.Duration("backoff", backoff),
					)
				}
			}()
			fn()
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			r.logger.Info("restarting background goroutine", zap.String("goroutine", name))
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func isOrchestrator(pod *corev1.Pod) bool {
	return pod.Labels[labels.LabelComponent] == string(models.RoleOrchestrator)
}

func age(pod *corev1.Pod, now time.Time) time.Duration {
	return now.Sub(pod.CreationTimestamp.Time)
}

// finishedAt is the latest container termination time, or the creation time
// when no container reports one.
func finishedAt(pod *corev1.Pod) time.Time {
	var latest time.Time
	for _, statuses := range [][]corev1.ContainerStatus{pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses} {
		for _, cs := range statuses {
			if t := cs.State.Terminated; t != nil && t.FinishedAt.After(latest) {
				latest = t.FinishedAt.Time
			}
		}
	}
	if latest.IsZero() {
		return pod.CreationTimestamp.Time
	}
	return latest
}
