package k8s

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const defaultPollInterval = time.Second

// Client wraps the Kubernetes client and exposes the pod primitives used by
// the lifecycle client.
type Client struct {
	clientset      kubernetes.Interface
	namespace      string
	copier         FileCopier
	pollInterval   time.Duration
	serviceAccount string
	logger         *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithPollInterval sets how often waits re-list pods.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithFileCopier replaces the exec based file copier.
func WithFileCopier(copier FileCopier) Option {
	return func(c *Client) { c.copier = copier }
}

// WithServiceAccount sets the service account of every created pod.
func WithServiceAccount(name string) Option {
	return func(c *Client) { c.serviceAccount = name }
}

// RestConfig builds a REST config, in-cluster or from a kubeconfig file.
func RestConfig(inCluster bool, kubeConfigPath string) (*rest.Config, error) {
	if inCluster {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
		}
		return config, nil
	}

	if kubeConfigPath == "" {
		kubeConfigPath = clientcmd.RecommendedHomeFile
	}
	config, err := clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubeconfig: %w", err)
	}
	return config, nil
}

// NewClient creates a Kubernetes client with an exec based file copier.
func NewClient(namespace string, inCluster bool, kubeConfigPath string, logger *zap.Logger, opts ...Option) (*Client, error) {
	config, err := RestConfig(inCluster, kubeConfigPath)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create K8s clientset: %w", err)
	}

	opts = append([]Option{WithFileCopier(NewExecCopier(config, clientset))}, opts...)
	return NewClientFromInterface(clientset, namespace, logger, opts...), nil
}

// NewClientFromInterface wraps an existing clientset, e.g. a fake one in tests.
func NewClientFromInterface(clientset kubernetes.Interface, namespace string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		clientset:    clientset,
		namespace:    namespace,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetClientset returns the underlying K8s clientset
func (c *Client) GetClientset() kubernetes.Interface {
	return c.clientset
}

// GetNamespace returns the configured namespace
func (c *Client) GetNamespace() string {
	return c.namespace
}
