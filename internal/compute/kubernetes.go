package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/reelforge/internal/platform/k8s"
)

// JobCreator is the subset of the kubernetes client the job invoker needs.
type JobCreator interface {
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	Namespace() string
}

// KubernetesJobInvoker runs each task as a batch/v1 Job. The job name is
// derived from the execution token, so re-submitting the same attempt is
// idempotent.
type KubernetesJobInvoker struct {
	client         JobCreator
	image          string
	namespace      string
	serviceAccount string
	ttl            *int32
	deadline       *int64
}

func NewKubernetesJobInvoker(client JobCreator, cfg Config) (*KubernetesJobInvoker, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("compute image is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("compute namespace is required")
	}
	inv := &KubernetesJobInvoker{
		client:         client,
		image:          strings.TrimSpace(cfg.Image),
		namespace:      namespace,
		serviceAccount: strings.TrimSpace(cfg.ServiceAccount),
	}
	if cfg.JobTTL > 0 {
		ttl := int32(cfg.JobTTL / time.Second)
		inv.ttl = &ttl
	}
	if cfg.JobDeadline > 0 {
		deadline := int64(cfg.JobDeadline / time.Second)
		inv.deadline = &deadline
	}
	return inv, nil
}

func JobName(task Task) string {
	return "reelforge-" + strings.ToLower(task.ProcessUUID)
}

func (i *KubernetesJobInvoker) Invoke(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "reelforge",
		"app.kubernetes.io/component": "node-compute",
		"reelforge.node_type":         string(task.NodeType),
		"reelforge.node_uuid":         task.NodeUUID,
	}
	backoff := int32(0)
	container := k8s.Container{
		Name:  "compute",
		Image: i.image,
		Args:  []string{string(task.NodeType)},
		Env: k8s.Env(
			"NODE_UUID", task.NodeUUID,
			"NODE_TYPE", string(task.NodeType),
			"PROCESS_UUID", task.ProcessUUID,
			"CALLBACK_URL", task.CallbackURL,
			"TASK_JSON", string(payload),
		),
	}
	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if i.serviceAccount != "" {
		podSpec.ServiceAccountName = i.serviceAccount
	}
	job := k8s.NewJob(i.namespace, JobName(task), k8s.JobSpec{
		BackoffLimit:            &backoff,
		ActiveDeadlineSeconds:   i.deadline,
		TTLSecondsAfterFinished: i.ttl,
		Template: k8s.PodTemplateSpec{
			Metadata: k8s.ObjectMeta{Labels: labels},
			Spec:     podSpec,
		},
	})
	job.Metadata.Labels = labels
	job.Metadata.Annotations = map[string]string{"reelforge.process_uuid": task.ProcessUUID}

	err = i.client.CreateJob(ctx, i.namespace, job)
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return nil
	}
	return fmt.Errorf("create compute job: %w", err)
}
