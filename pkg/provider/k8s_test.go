package provider

import (
	"context"
	"testing"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestK8s(t *testing.T) (*K8s, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	p, err := NewK8s(zaptest.NewLogger(t), cs, K8sOpts{Namespace: "bots", Image: "eclipse", Tag: "v1", CPU: "250m"})
	require.NoError(t, err)
	return p, cs
}

func TestK8sLifecycle(t *testing.T) {
	ctx := context.Background()
	p, cs := newTestK8s(t)

	_, err := p.CreateInstance(ctx, "Eclipse_MD.1", models.BotConfig{BotNumber: "1", Prefix: "."})
	require.NoError(t, err)

	d, err := cs.AppsV1().Deployments("bots").Get(ctx, "eclipse-md-1", meta.GetOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, *d.Spec.Replicas)
	assert.Equal(t, "eclipse:v1", d.Spec.Template.Spec.Containers[0].Image)
	before := d.Spec.Template.Annotations[annotationChecksum]

	require.NoError(t, p.SetScale(ctx, "Eclipse_MD.1", 0))
	d, _ = cs.AppsV1().Deployments("bots").Get(ctx, "eclipse-md-1", meta.GetOptions{})
	assert.EqualValues(t, 0, *d.Spec.Replicas)

	require.NoError(t, p.UpdateConfig(ctx, "Eclipse_MD.1", models.BotConfig{BotNumber: "2", Prefix: "!"}))
	d, _ = cs.AppsV1().Deployments("bots").Get(ctx, "eclipse-md-1", meta.GetOptions{})
	assert.NotEqual(t, before, d.Spec.Template.Annotations[annotationChecksum])
	assert.EqualValues(t, 0, *d.Spec.Replicas, "config update keeps the current scale")

	require.NoError(t, p.Restart(ctx, "Eclipse_MD.1"))
	d, _ = cs.AppsV1().Deployments("bots").Get(ctx, "eclipse-md-1", meta.GetOptions{})
	assert.NotEmpty(t, d.Spec.Template.Annotations[annotationRestarted])

	require.NoError(t, p.Delete(ctx, "Eclipse_MD.1"))
	assert.True(t, IsNotFound(p.Delete(ctx, "Eclipse_MD.1")))
	assert.True(t, IsNotFound(p.Restart(ctx, "Eclipse_MD.1")))
	assert.True(t, IsNotFound(p.SetScale(ctx, "Eclipse_MD.1", 1)))
}

func TestDeploymentName(t *testing.T) {
	assert.Equal(t, "eclipse-md-abc", deploymentName("Eclipse_MD.abc"))
	assert.Equal(t, "bot", deploymentName("___"))
	long := deploymentName("a-very-long-name-that-keeps-going-and-going-and-going-well-past-the-limit")
	assert.LessOrEqual(t, len(long), 63)
}

func TestNeedsUpdateOnEnvChange(t *testing.T) {
	p, _ := newTestK8s(t)
	a := p.desired("x", models.BotConfig{BotNumber: "1"}, 1)
	b := p.desired("x", models.BotConfig{BotNumber: "1"}, 0)
	c := p.desired("x", models.BotConfig{BotNumber: "2"}, 1)
	assert.False(t, needsUpdate(a, b))
	assert.True(t, needsUpdate(a, c))
}
