package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/transfer"
)

func TestMockProvisioner_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvisioner(transfer.Config{})

	req := CreateRequest{IdempotencyKey: "alice/1", Owner: "alice", Controllers: domain.DualControl("orch", "alice")}
	a, err := p.CreateUnit(ctx, req)
	require.NoError(t, err)
	b, err := p.CreateUnit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
	require.Len(t, p.Units(), 1)
	require.Equal(t, 2, p.Calls(OpCreateUnit))

	req.IdempotencyKey = "alice/2"
	c, err := p.CreateUnit(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}

func TestMockProvisioner_FaultInjection(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvisioner(transfer.Config{})
	unit, err := p.CreateUnit(ctx, CreateRequest{Owner: "alice", Controllers: domain.DualControl("orch", "alice")})
	require.NoError(t, err)

	transient := apperrors.ErrProviderUnavailable("set_controllers", errors.New("flaky"))
	p.FailNext(OpSetControllers, transient)

	require.ErrorIs(t, p.SetControllers(ctx, unit.ID, domain.OwnerControl("alice")), transient)
	require.True(t, p.Controllers(unit.ID).Equal(domain.DualControl("orch", "alice")))

	require.NoError(t, p.SetControllers(ctx, unit.ID, domain.OwnerControl("alice")))
	require.True(t, p.Controllers(unit.ID).Equal(domain.OwnerControl("alice")))
	require.Len(t, p.ControllerHistory(unit.ID), 2)
	require.Equal(t, 2, p.Calls(OpSetControllers))
}

func TestMockProvisioner_InstallAndProbe(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvisioner(transfer.Config{})
	unit, err := p.CreateUnit(ctx, CreateRequest{Owner: "alice"})
	require.NoError(t, err)

	_, err = p.ImportEndpoint(ctx, unit.ID)
	require.Error(t, err)
	require.Error(t, p.HealthCheck(ctx, unit.ID))

	require.NoError(t, p.InstallImage(ctx, unit.ID, testTemplate()))
	require.NoError(t, p.HealthCheck(ctx, unit.ID))

	v, err := p.InterfaceVersion(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, "v1.2.0", v)

	p.SetInterfaceVersion("v2.0.0")
	v, err = p.InterfaceVersion(ctx, unit.ID)
	require.NoError(t, err)
	require.Equal(t, "v2.0.0", v)

	p.SetHealthy(false)
	require.Error(t, p.HealthCheck(ctx, unit.ID))

	_, err = p.GetUnit(ctx, "unit-9999")
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnitNotFound))
}

func TestMockProvisioner_TamperItem(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvisioner(transfer.Config{})
	unit, err := p.CreateUnit(ctx, CreateRequest{Owner: "alice"})
	require.NoError(t, err)
	require.NoError(t, p.InstallImage(ctx, unit.ID, testTemplate()))
	p.TamperItem("m2")

	ep, err := p.ImportEndpoint(ctx, unit.ID)
	require.NoError(t, err)

	items := []domain.Item{{ID: "m1", Data: []byte("first")}, {ID: "m2", Data: []byte("second")}}
	count, total := transfer.Totals(items)
	sid, err := ep.Begin(ctx, count, total)
	require.NoError(t, err)

	for _, item := range items {
		chunks, manifest := transfer.Split(item, 4)
		for _, ch := range chunks {
			_, err := ep.PutChunk(ctx, sid, item.ID, ch.Index, ch.Data, ch.Hash)
			require.NoError(t, err)
		}
		_, err := ep.CommitItem(ctx, sid, manifest)
		require.NoError(t, err)
	}

	summary, err := ep.Finalize(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ItemsCommitted)
	require.Equal(t, []string{"m2"}, summary.FailedItems)
	require.Equal(t, 1, p.Sink(unit.ID).Len())
}

func TestLoadTemplate(t *testing.T) {
	cfg := config.UnitConfig{
		Image:            "registry.local/unit:v1",
		InterfaceVersion: "v1.0.0",
		CPU:              1,
		MemoryMB:         512,
	}

	tmpl, err := LoadTemplate(cfg)
	require.NoError(t, err)
	require.Equal(t, "registry.local/unit:v1", tmpl.Image)

	path := filepath.Join(t.TempDir(), "unit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: standard
image: registry.local/unit:v2
interface_version: v1.4.0
cpu: 2
init_args: ["--verbose"]
labels:
  tier: dedicated
`), 0o600))
	cfg.TemplateFile = path

	tmpl, err = LoadTemplate(cfg)
	require.NoError(t, err)
	require.Equal(t, "standard", tmpl.Name)
	require.Equal(t, "registry.local/unit:v2", tmpl.Image)
	require.Equal(t, "v1.4.0", tmpl.InterfaceVersion)
	require.Equal(t, 2, tmpl.CPU)
	require.Equal(t, 512, tmpl.MemoryMB)
	require.Equal(t, []string{"--verbose"}, tmpl.InitArgs)
	require.Equal(t, "dedicated", tmpl.Labels["tier"])

	cfg.InterfaceVersion = "1.0"
	cfg.TemplateFile = ""
	_, err = LoadTemplate(cfg)
	require.Error(t, err)
}
