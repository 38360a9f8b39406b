// Package k8s is an alternative ConfInfo path source: when confd runs
// inside a cluster, preference files can be projected from a
// ConfigMap instead of a local directory. It wraps k8s.io/client-go
// with a simplified interface for discovering ConfigMaps and watching
// them for changes.
//
// Example usage:
//
//	config := DefaultK8sClientConfig()
//	client, err := NewK8sClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	maps, err := client.ListConfigMaps(ctx, "default", "confd-source=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
)

// K8sClient defines the interface confd needs against the Kubernetes API:
// listing and watching ConfigMaps that carry confd segment data.
type K8sClient interface {
	// ListConfigMaps returns ConfigMaps from namespace matching label selector.
	// Returns empty slice if nothing matches the selector.
	ListConfigMaps(ctx context.Context, namespace string, labelSelector string) ([]corev1.ConfigMap, error)

	// GetConfigMap returns a specific ConfigMap by name.
	// Returns NotFoundError if the ConfigMap doesn't exist.
	GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error)

	// WatchConfigMaps starts an informer over namespace filtered by
	// labelSelector and invokes onChange whenever a matching ConfigMap
	// is added or updated. It blocks until ctx is cancelled.
	WatchConfigMaps(ctx context.Context, namespace, labelSelector string, onChange func(*corev1.ConfigMap)) error

	// Health checks if the K8s API is accessible.
	// Returns ConnectionError if the API is unavailable.
	Health(ctx context.Context) error

	// Close cleans up resources.
	// Safe to call multiple times.
	Close() error
}

// K8sClientConfig holds configuration for the K8s client.
type K8sClientConfig struct {
	// Timeout for K8s API requests (default 30s)
	Timeout time.Duration

	// MaxRetries for transient errors (default 3)
	MaxRetries int

	// RetryBackoff initial backoff duration (default 100ms)
	RetryBackoff time.Duration

	// MaxRetryBackoff maximum backoff duration (default 5s)
	MaxRetryBackoff time.Duration

	// ResyncPeriod controls how often the informer does a full relist (default 10m)
	ResyncPeriod time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultK8sClientConfig returns configuration with sensible defaults.
func DefaultK8sClientConfig() *K8sClientConfig {
	return &K8sClientConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
		ResyncPeriod:    10 * time.Minute,
		Logger:          slog.Default(),
	}
}

// DefaultK8sClient implements K8sClient using k8s.io/client-go.
type DefaultK8sClient struct {
	clientset kubernetes.Interface
	config    *K8sClientConfig
	logger    *slog.Logger
	mu        sync.RWMutex // guards clientset during Close
}

// NewK8sClient creates a new K8s client with in-cluster configuration.
// Returns ConnectionError if in-cluster config is not available or if the
// K8s API is unreachable.
func NewK8sClient(config *K8sClientConfig) (K8sClient, error) {
	if config == nil {
		config = DefaultK8sClientConfig()
	}

	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, NewConnectionError("failed to load in-cluster config", err)
	}

	k8sConfig.Timeout = config.Timeout

	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, NewConnectionError("failed to create K8s clientset", err)
	}

	client := &DefaultK8sClient{
		clientset: clientset,
		config:    config,
		logger:    config.Logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("K8s API health check failed: %w", err)
	}

	client.logger.Info("K8s client initialized successfully")

	return client, nil
}

// ListConfigMaps returns ConfigMaps from namespace matching label selector.
func (c *DefaultK8sClient) ListConfigMaps(ctx context.Context, namespace string, labelSelector string) ([]corev1.ConfigMap, error) {
	c.logger.Debug("Listing ConfigMaps",
		"namespace", namespace,
		"label_selector", labelSelector,
	)

	var configMaps []corev1.ConfigMap
	err := c.retryWithBackoff(ctx, func() error {
		listOptions := metav1.ListOptions{
			LabelSelector: labelSelector,
			Limit:         1000,
		}

		cmList, err := c.clientset.CoreV1().ConfigMaps(namespace).List(ctx, listOptions)
		if err != nil {
			return err
		}

		configMaps = cmList.Items

		if cmList.Continue != "" {
			c.logger.Warn("ConfigMap list truncated, pagination not implemented",
				"namespace", namespace,
				"continue_token", cmList.Continue,
			)
		}

		return nil
	})

	if err != nil {
		c.logger.Error("Failed to list ConfigMaps",
			"namespace", namespace,
			"error", err,
		)
		return nil, wrapK8sError("list configmaps", err)
	}

	c.logger.Info("Successfully listed ConfigMaps",
		"namespace", namespace,
		"count", len(configMaps),
	)

	return configMaps, nil
}

// GetConfigMap returns a specific ConfigMap by name.
func (c *DefaultK8sClient) GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	c.logger.Debug("Getting ConfigMap",
		"namespace", namespace,
		"name", name,
	)

	var cm *corev1.ConfigMap
	err := c.retryWithBackoff(ctx, func() error {
		m, err := c.clientset.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		cm = m
		return nil
	})

	if err != nil {
		if isNotFoundErr(err) {
			return nil, NewNotFoundError(fmt.Sprintf("configmap %s/%s not found", namespace, name))
		}

		c.logger.Error("Failed to get ConfigMap",
			"namespace", namespace,
			"name", name,
			"error", err,
		)
		return nil, wrapK8sError("get configmap", err)
	}

	c.logger.Debug("Successfully got ConfigMap",
		"namespace", namespace,
		"name", name,
	)

	return cm, nil
}

// WatchConfigMaps runs a SharedInformerFactory-backed informer over
// namespace, invoking onChange on every add/update of a ConfigMap
// matching labelSelector. It blocks until ctx is cancelled.
func (c *DefaultK8sClient) WatchConfigMaps(ctx context.Context, namespace, labelSelector string, onChange func(*corev1.ConfigMap)) error {
	factory := informers.NewSharedInformerFactoryWithOptions(
		c.clientset,
		c.config.ResyncPeriod,
		informers.WithNamespace(namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = labelSelector
		}),
	)

	informer := factory.Core().V1().ConfigMaps().Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			if cm, ok := obj.(*corev1.ConfigMap); ok {
				onChange(cm)
			}
		},
		UpdateFunc: func(_, newObj interface{}) {
			if cm, ok := newObj.(*corev1.ConfigMap); ok {
				onChange(cm)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("register configmap informer handler: %w", err)
	}

	c.logger.Info("Starting ConfigMap watch", "namespace", namespace, "label_selector", labelSelector)

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return NewConnectionError("configmap informer failed to sync", ctx.Err())
	}

	<-ctx.Done()
	return nil
}

// Health checks if the K8s API is accessible.
func (c *DefaultK8sClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		c.logger.Warn("K8s health check failed", "error", err)
		return NewConnectionError("K8s API unavailable", err)
	}

	if healthCtx.Err() != nil {
		return NewTimeoutError("health check timeout", healthCtx.Err())
	}

	return nil
}

// Close cleans up resources.
func (c *DefaultK8sClient) Close() error {
	c.logger.Info("Closing K8s client")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clientset = nil

	c.logger.Info("K8s client closed")
	return nil
}

// retryWithBackoff executes operation with exponential backoff retry logic.
func (c *DefaultK8sClient) retryWithBackoff(ctx context.Context, operation func() error) error {
	backoff := c.config.RetryBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return NewTimeoutError("operation cancelled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			return err
		}

		c.logger.Warn("Retrying K8s operation",
			"attempt", attempt+1,
			"max_retries", c.config.MaxRetries,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return NewTimeoutError("operation cancelled during backoff", ctx.Err())
		}

		backoff *= 2
		if backoff > c.config.MaxRetryBackoff {
			backoff = c.config.MaxRetryBackoff
		}
	}

	return fmt.Errorf("operation failed after %d retries", c.config.MaxRetries)
}

// isNotFoundErr checks if error is a NotFound error.
func isNotFoundErr(err error) bool {
	var notFoundErr *NotFoundError
	if err != nil {
		if e, ok := err.(*NotFoundError); ok {
			return e != nil
		}
		if notFoundErr != nil && fmt.Sprintf("%T", err) == fmt.Sprintf("%T", notFoundErr) {
			return true
		}
	}
	return err != nil && k8serrors.IsNotFound(err)
}
