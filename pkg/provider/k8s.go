package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	annotationChecksum  = "botdeck/env-checksum"
	annotationRestarted = "botdeck/restarted-at"
	labelInstance       = "botdeck/instance"
)

// K8sOpts configures the Kubernetes backend.
type K8sOpts struct {
	Namespace string
	Image     string
	Tag       string
	CPU       string
	Memory    string
}

// K8s runs each instance as a single-replica Deployment.
type K8s struct {
	Logger *zap.Logger
	client kubernetes.Interface
	ns     string
	image  string
	resReq *corev1.ResourceRequirements
	now    func() time.Time
}

var _ Provider = (*K8s)(nil)

// NewK8sFromEnv builds a client from the in-cluster config, falling back to KUBECONFIG.
func NewK8sFromEnv(logger *zap.Logger) (*K8s, error) {
	log := logger.With(zap.String("component", "k8s_provider"))

	var (
		cfg *rest.Config
		err error
		src string
	)
	if cfg, err = rest.InClusterConfig(); err == nil {
		src = "in_cluster"
	} else {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			log.Error("kube config build failed", zap.Error(err))
			return nil, fmt.Errorf("build kube config: %w", err)
		}
		src = "kubeconfig"
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Error("k8s client init failed", zap.Error(err))
		return nil, fmt.Errorf("k8s client: %w", err)
	}

	o := K8sOpts{
		Namespace: utils.Env("K8S_NAMESPACE", "botdeck"),
		Image:     utils.Env("BOT_IMAGE", "ghcr.io/horlapookie/eclipse-md"),
		Tag:       utils.Env("BOT_TAG", "latest"),
		CPU:       os.Getenv("BOT_CPU"),
		Memory:    os.Getenv("BOT_MEM"),
	}
	p, err := NewK8s(logger, cs, o)
	if err != nil {
		return nil, err
	}
	log.Info("provider initialized",
		zap.String("config_source", src),
		zap.String("namespace", p.ns),
		zap.String("image", p.image),
		zap.Bool("resources_configured", p.resReq != nil))
	return p, nil
}

// NewK8s wraps an existing clientset.
func NewK8s(logger *zap.Logger, client kubernetes.Interface, o K8sOpts) (*K8s, error) {
	if o.Namespace == "" || o.Image == "" {
		return nil, fmt.Errorf("k8s provider: namespace and image are required")
	}
	image := o.Image
	if o.Tag != "" {
		image = fmt.Sprintf("%s:%s", o.Image, o.Tag)
	}

	var res *corev1.ResourceRequirements
	if o.CPU != "" || o.Memory != "" {
		req := corev1.ResourceRequirements{
			Requests: corev1.ResourceList{},
			Limits:   corev1.ResourceList{},
		}
		if o.CPU != "" {
			q, err := resource.ParseQuantity(o.CPU)
			if err != nil {
				return nil, fmt.Errorf("parse cpu %q: %w", o.CPU, err)
			}
			req.Requests[corev1.ResourceCPU] = q
			req.Limits[corev1.ResourceCPU] = q
		}
		if o.Memory != "" {
			q, err := resource.ParseQuantity(o.Memory)
			if err != nil {
				return nil, fmt.Errorf("parse memory %q: %w", o.Memory, err)
			}
			req.Requests[corev1.ResourceMemory] = q
			req.Limits[corev1.ResourceMemory] = q
		}
		res = &req
	}

	return &K8s{
		Logger: logger.With(zap.String("component", "k8s_provider")),
		client: client,
		ns:     o.Namespace,
		image:  image,
		resReq: res,
		now:    time.Now,
	}, nil
}

// notFound maps a Kubernetes 404 onto ErrNotFound.
func notFound(err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	}
	return err
}

func (p *K8s) desired(name string, cfg models.BotConfig, replicas int32) *appsv1.Deployment {
	dn := deploymentName(name)
	labels := map[string]string{
		"app":         "eclipse-md",
		"managed-by":  "botdeck",
		labelInstance: dn,
	}
	env := envList(EnvVars(cfg))
	ck := checksumEnv(env)

	return &appsv1.Deployment{
		ObjectMeta: meta.ObjectMeta{
			Name:        dn,
			Namespace:   p.ns,
			Labels:      labels,
			Annotations: map[string]string{annotationChecksum: ck},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(replicas),
			Selector: &meta.LabelSelector{MatchLabels: labels},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: meta.ObjectMeta{
					Labels:      labels,
					Annotations: map[string]string{annotationChecksum: ck},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            "bot",
						Image:           p.image,
						ImagePullPolicy: corev1.PullAlways,
						Env:             env,
						Resources: func() corev1.ResourceRequirements {
							if p.resReq != nil {
								return *p.resReq
							}
							return corev1.ResourceRequirements{}
						}(),
					}},
				},
			},
		},
	}
}

func (p *K8s) CreateInstance(ctx context.Context, name string, cfg models.BotConfig) (string, error) {
	start := time.Now()
	d := p.desired(name, cfg, 1)
	created, err := p.client.AppsV1().Deployments(p.ns).Create(ctx, d, meta.CreateOptions{})
	if err != nil {
		p.Logger.Error("deployment create failed", zap.String("deployment", d.Name), zap.Error(err))
		return "", fmt.Errorf("create deployment: %w", err)
	}
	p.Logger.Info("deployment created",
		zap.String("deployment", d.Name),
		zap.Duration("elapsed", time.Since(start)))
	return string(created.UID), nil
}

func (p *K8s) get(ctx context.Context, name string) (*appsv1.Deployment, error) {
	d, err := p.client.AppsV1().Deployments(p.ns).Get(ctx, deploymentName(name), meta.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", notFound(err))
	}
	return d, nil
}

func (p *K8s) update(ctx context.Context, d *appsv1.Deployment) error {
	if _, err := p.client.AppsV1().Deployments(p.ns).Update(ctx, d, meta.UpdateOptions{}); err != nil {
		p.Logger.Error("deployment update failed", zap.String("deployment", d.Name), zap.Error(err))
		return fmt.Errorf("update deployment: %w", notFound(err))
	}
	return nil
}

func (p *K8s) UpdateConfig(ctx context.Context, name string, cfg models.BotConfig) error {
	curr, err := p.get(ctx, name)
	if err != nil {
		return err
	}
	replicas := int32(1)
	if curr.Spec.Replicas != nil {
		replicas = *curr.Spec.Replicas
	}
	desired := p.desired(name, cfg, replicas)
	if !needsUpdate(curr, desired) {
		p.Logger.Debug("deployment up-to-date", zap.String("deployment", curr.Name))
		return p.Restart(ctx, name)
	}
	curr.Spec.Template = desired.Spec.Template
	if curr.Annotations == nil {
		curr.Annotations = map[string]string{}
	}
	curr.Annotations[annotationChecksum] = desired.Annotations[annotationChecksum]
	if err := p.update(ctx, curr); err != nil {
		return err
	}
	p.Logger.Info("deployment updated", zap.String("deployment", curr.Name))
	return nil
}

// Restart bumps a template annotation so the pods are replaced.
func (p *K8s) Restart(ctx context.Context, name string) error {
	curr, err := p.get(ctx, name)
	if err != nil {
		return err
	}
	if curr.Spec.Template.Annotations == nil {
		curr.Spec.Template.Annotations = map[string]string{}
	}
	curr.Spec.Template.Annotations[annotationRestarted] = p.now().UTC().Format(time.RFC3339Nano)
	if err := p.update(ctx, curr); err != nil {
		return err
	}
	p.Logger.Info("deployment restarted", zap.String("deployment", curr.Name))
	return nil
}

func (p *K8s) SetScale(ctx context.Context, name string, units int) error {
	if units < 0 || units > 1 {
		return fmt.Errorf("scale %s: units must be 0 or 1, got %d", name, units)
	}
	curr, err := p.get(ctx, name)
	if err != nil {
		return err
	}
	if curr.Spec.Replicas != nil && *curr.Spec.Replicas == int32(units) {
		p.Logger.Debug("deployment already at scale", zap.String("deployment", curr.Name), zap.Int("replicas", units))
		return nil
	}
	curr.Spec.Replicas = int32Ptr(int32(units))
	if err := p.update(ctx, curr); err != nil {
		return err
	}
	p.Logger.Info("deployment scaled", zap.String("deployment", curr.Name), zap.Int("replicas", units))
	return nil
}

// Redeploy restarts with PullAlways, which picks up the latest image for the tag.
func (p *K8s) Redeploy(ctx context.Context, name string) error {
	return p.Restart(ctx, name)
}

func (p *K8s) Delete(ctx context.Context, name string) error {
	dn := deploymentName(name)
	propagation := meta.DeletePropagationForeground
	if err := p.client.AppsV1().Deployments(p.ns).Delete(ctx, dn, meta.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("delete deployment: %w", notFound(err))
		}
		p.Logger.Error("deployment delete failed", zap.String("deployment", dn), zap.Error(err))
		return fmt.Errorf("delete deployment: %w", err)
	}
	p.Logger.Info("deployment delete issued", zap.String("deployment", dn))
	return nil
}

// FetchLogs returns the tail of every pod of the instance.
func (p *K8s) FetchLogs(ctx context.Context, name string, lines int) (string, error) {
	if _, err := p.get(ctx, name); err != nil {
		return "", err
	}
	pods, err := p.client.CoreV1().Pods(p.ns).List(ctx, meta.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelInstance, deploymentName(name)),
	})
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}

	tail := int64(lines)
	var out bytes.Buffer
	for _, pod := range pods.Items {
		rc, err := p.client.CoreV1().Pods(p.ns).GetLogs(pod.Name, &corev1.PodLogOptions{TailLines: &tail}).Stream(ctx)
		if err != nil {
			p.Logger.Warn("pod logs unavailable", zap.String("pod", pod.Name), zap.Error(err))
			continue
		}
		_, err = io.Copy(&out, io.LimitReader(rc, 4<<20))
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read pod logs: %w", err)
		}
	}
	return out.String(), nil
}

func (p *K8s) Close() error {
	p.Logger.Info("provider closed")
	return nil
}

var dns1123 = regexp.MustCompile(`[^a-z0-9\-]+`)

// int32Ptr returns a pointer to the given int32.
func int32Ptr(i int32) *int32 { return &i }

// deploymentName turns an instance name into a DNS-1123 label.
func deploymentName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")
	s = dns1123.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) == 0 {
		s = "bot"
	}
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func envList(m map[string]string) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(m))
	for k, v := range m {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	return env
}

// needsUpdate reports whether the image or env of curr differs from desired.
func needsUpdate(curr, desired *appsv1.Deployment) bool {
	if len(curr.Spec.Template.Spec.Containers) != 1 || len(desired.Spec.Template.Spec.Containers) != 1 {
		return true
	}
	if curr.Spec.Template.Spec.Containers[0].Image != desired.Spec.Template.Spec.Containers[0].Image {
		return true
	}
	return curr.Spec.Template.Annotations[annotationChecksum] != desired.Spec.Template.Annotations[annotationChecksum]
}

// checksumEnv returns a checksum of the given env vars, sorted by name.
func checksumEnv(env []corev1.EnvVar) string {
	cp := make([]corev1.EnvVar, len(env))
	copy(cp, env)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	var b strings.Builder
	for _, e := range cp {
		b.WriteString(e.Name)
		b.WriteString("=")
		b.WriteString(e.Value)
		b.WriteString("\n")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
