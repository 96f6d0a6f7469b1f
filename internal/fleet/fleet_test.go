package fleet_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/fleet/fleettest"
)

func TestCreateRecordsPlacement(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"), fleettest.Worker("w2"))
	h.orch.Occupy("w1", app, 4)
	h.bind(t, 42)

	res, err := h.mgr.Create(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Placement)

	p := h.placement(t, 42)
	require.NotNil(t, p)
	assert.Equal(t, fleet.PlacementRunning, p.Status)
	assert.Equal(t, "freqtrade_42", p.ServiceName)
	assert.Equal(t, "w2", p.NodeHostname)
	assert.Equal(t, "w2.internal", p.NodeIP)
	assert.Equal(t, 8122, p.APIPort)
	assert.NotEmpty(t, p.ServiceID)
	assert.Equal(t, 1, h.orch.Creates)
}

func TestCreateBuildsPinnedServiceSpec(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 7)

	_, err := h.mgr.Create(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, h.orch.Specs, 1)
	spec := h.orch.Specs[0]

	assert.Equal(t, []string{"node.id==w1"}, spec.Constraints)
	assert.Equal(t, h.opts.Network, spec.Network)
	assert.Equal(t, uint32(8087), spec.Port.Published)
	assert.Equal(t, uint32(8080), spec.Port.Target)

	require.Len(t, spec.Mounts, 3)
	paths := h.dirs.Paths(7)
	assert.Equal(t, fleet.Mount{Source: paths.ConfigDir, Target: fleet.ContainerConfigDir, ReadOnly: true}, spec.Mounts[0])
	assert.False(t, spec.Mounts[1].ReadOnly)
	assert.False(t, spec.Mounts[2].ReadOnly)

	assert.Equal(t, testCreds.APIKey, spec.Env["FT_API_KEY"])
	assert.Equal(t, testCreds.Secret, spec.Env["FT_API_SECRET"])
	assert.Equal(t, "750", spec.Env["FT_MAX_CAPITAL"])

	assert.Equal(t, app, spec.Labels[fleet.LabelApp])
	assert.Equal(t, "7", spec.Labels[fleet.LabelUserID])
	assert.Equal(t, "w1", spec.Labels[fleet.LabelNodeHostname])
	assert.Equal(t, "8087", spec.Labels[fleet.LabelAPIPort])

	assert.Contains(t, spec.Command, "--")
	assert.Equal(t, "freqtrade", spec.Command[len(h.opts.Entrypoint)+1])

	_, err = os.Stat(filepath.Join(paths.DatabaseDir, fleet.DatabaseFile))
	assert.NoError(t, err, "database file is touched before the mount")
}

func TestCreateUsesDefaultCapitalWhenNoneStored(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	require.NoError(t, h.store.SaveAccount(context.Background(), accountWithoutCapital(3)))

	_, err := h.mgr.Create(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "1000", h.orch.Specs[0].Env["FT_MAX_CAPITAL"])
}

func TestCreateWithoutCredentialsMakesNoOrchestratorCall(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))

	res, err := h.mgr.Create(context.Background(), 99)
	assert.ErrorIs(t, err, fleet.ErrCredentialsMissing)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
	assert.Zero(t, h.orch.Creates)
	assert.Nil(t, h.placement(t, 99))

	var opErr *fleet.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "create", opErr.Op)
	assert.Equal(t, fleet.UserID(99), opErr.UserID)
	assert.Contains(t, err.Error(), "99")
}

func TestCreateFailsWhenEveryNodeIsFull(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"), fleettest.Worker("w2"))
	h.orch.Occupy("w1", app, 50)
	h.orch.Occupy("w2", app, 50)
	h.bind(t, 5)

	res, err := h.mgr.Create(context.Background(), 5)
	assert.ErrorIs(t, err, fleet.ErrCapacityExhausted)
	assert.True(t, fleet.Retryable(err))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "temporarily unavailable")
	assert.Zero(t, h.orch.Creates)
	assert.Nil(t, h.placement(t, 5))
}

func TestCreateTwiceLeavesOneService(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"), fleettest.Worker("w2"))
	h.bind(t, 11)
	ctx := context.Background()

	first, err := h.mgr.Create(ctx, 11)
	require.NoError(t, err)
	second, err := h.mgr.Create(ctx, 11)
	require.NoError(t, err)

	assert.Equal(t, []string{"freqtrade_11"}, h.orch.ServicesOf(11))
	assert.Equal(t, 1, h.orch.Removes)
	assert.Equal(t, 2, h.orch.Creates)
	assert.NotEqual(t, first.Placement.ServiceID, second.Placement.ServiceID)
	assert.Equal(t, second.Placement.ServiceID, h.placement(t, 11).ServiceID)
}

func TestPublishedPortIsStablePerUser(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"), fleettest.Worker("w2"))
	h.bind(t, 12345)
	ctx := context.Background()

	assert.Equal(t, 8425, h.opts.PublishedPort(12345))

	for i := 0; i < 3; i++ {
		res, err := h.mgr.Create(ctx, 12345)
		require.NoError(t, err)
		assert.Equal(t, 8425, res.Placement.APIPort)

		_, err = h.mgr.Stop(ctx, 12345)
		require.NoError(t, err)
	}
	for _, spec := range h.orch.Specs {
		assert.Equal(t, uint32(8425), spec.Port.Published)
	}
}

func TestPublishedPortWrapsIntoRange(t *testing.T) {
	opts := fleet.DefaultOptions()
	assert.Equal(t, 8080, opts.PublishedPort(1000))
	assert.Equal(t, 9079, opts.PublishedPort(999))
	assert.Equal(t, 9079, opts.PublishedPort(-1))
}

func TestTemplateNeverHoldsCredentials(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 21)
	ctx := context.Background()

	paths, err := h.dirs.Prepare(21)
	require.NoError(t, err)
	leaked := strings.Replace(baseTemplate, `"key": ""`, `"key": "`+testCreds.APIKey+`"`, 1)
	require.NoError(t, os.WriteFile(paths.Template, []byte(leaked), 0o644))

	_, err = h.mgr.Create(ctx, 21)
	require.NoError(t, err)
	assertClean(t, paths.Template)

	require.NoError(t, os.WriteFile(paths.Template, []byte(leaked), 0o644))
	h.orch.FailCreate = fleet.ErrOrchestratorUnavailable
	_, err = h.mgr.Create(ctx, 21)
	require.Error(t, err)
	assertClean(t, paths.Template)
}

func assertClean(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), testCreds.APIKey)
	assert.NotContains(t, string(data), testCreds.Secret)
	assert.Contains(t, string(data), "PLACEHOLDER_API_KEY")
}

func TestCreateMarksErrorWhenSubmitFails(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 8)
	h.orch.FailCreate = errors.New("rpc error: daemon busy")

	res, err := h.mgr.Create(context.Background(), 8)
	require.Error(t, err)
	assert.False(t, res.Success)

	p := h.placement(t, 8)
	require.NotNil(t, p)
	assert.Equal(t, fleet.PlacementError, p.Status)
	assert.Empty(t, p.ServiceID)
	assert.Empty(t, p.NodeIP)
	assert.Zero(t, p.APIPort)
}

func TestCancelledCreateLeavesServiceForReconciler(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 5)
	h.orch.AfterCreate = func(context.Context) error { return context.Canceled }

	_, err := h.mgr.Create(context.Background(), 5)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, h.placement(t, 5), "no error record for a cancelled call")
	assert.Equal(t, []string{"freqtrade_5"}, h.orch.ServicesOf(5))

	h.orch.AfterCreate = nil
	report, err := newReconciler(h.orch, h.store).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{5}, report.Adopted)
	assert.True(t, h.placement(t, 5).Active())
}

func TestCreateReportsUnrecordedPlacement(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 9)
	h.store.FailSetPlacement = errors.New("disk full")

	_, err := h.mgr.Create(context.Background(), 9)
	assert.ErrorIs(t, err, fleet.ErrPlacementNotRecorded)
	assert.Equal(t, []string{"freqtrade_9"}, h.orch.ServicesOf(9), "service stays up for the reconciler to adopt")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 1)
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, 1)
	require.NoError(t, err)

	res, err := h.mgr.Stop(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Warning)

	res, err = h.mgr.Stop(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Warning)

	p := h.placement(t, 1)
	require.NotNil(t, p)
	assert.Equal(t, fleet.PlacementStopped, p.Status)
	assert.Empty(t, p.ServiceID)
}

func TestStopLeavesPlacementWhenOrchestratorFails(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 2)
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, 2)
	require.NoError(t, err)

	h.orch.FailRemove = fleet.ErrOrchestratorUnavailable
	res, err := h.mgr.Stop(ctx, 2)
	assert.ErrorIs(t, err, fleet.ErrOrchestratorUnavailable)
	assert.False(t, res.Success)
	assert.True(t, h.placement(t, 2).Active())
}

func TestStatusFollowsLifecycle(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 3)
	ctx := context.Background()

	assert.Equal(t, fleet.ServiceStopped, h.mgr.Status(ctx, 3).State)

	_, err := h.mgr.Create(ctx, 3)
	require.NoError(t, err)
	st := h.mgr.Status(ctx, 3)
	assert.Equal(t, fleet.ServiceRunning, st.State)
	assert.Equal(t, 1, st.RunningReplicas)
	assert.Equal(t, uint64(1), st.DesiredReplicas)
	assert.Len(t, st.Tasks, 1)

	_, err = h.mgr.Stop(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, fleet.ServiceStopped, h.mgr.Status(ctx, 3).State)
}

func TestStatusDistinguishesQueryFailure(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.orch.FailInspect = fleet.ErrOrchestratorUnavailable

	st := h.mgr.Status(context.Background(), 4)
	assert.Equal(t, fleet.ServiceError, st.State)
	assert.NotEmpty(t, st.Message)
}

func TestStatusKeepsMostRecentTasks(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.orch.Inject("freqtrade_6", map[string]string{fleet.LabelApp: app, fleet.LabelUserID: "6"}, "w1",
		fleet.TaskFailed, fleet.TaskFailed, fleet.TaskFailed, fleet.TaskFailed, fleet.TaskFailed,
		fleet.TaskFailed, fleet.TaskRunning)

	st := h.mgr.Status(context.Background(), 6)
	assert.Equal(t, fleet.ServiceRunning, st.State)
	require.Len(t, st.Tasks, 5)
	assert.Equal(t, fleet.TaskRunning, st.Tasks[0].State)
	assert.Equal(t, 1, st.RunningReplicas)
}

func TestLogs(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 5)
	ctx := context.Background()

	out, err := h.mgr.Logs(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, fleet.NoServiceLogs, out)

	_, err = h.mgr.Create(ctx, 5)
	require.NoError(t, err)

	lines := make([]string, 800)
	for i := range lines {
		lines[i] = "line"
	}
	lines[len(lines)-1] = "last"
	h.orch.SetLogs("freqtrade_5", lines...)

	out, err = h.mgr.Logs(ctx, 5, 0)
	require.NoError(t, err)
	assert.Len(t, strings.Split(out, "\n"), 50)
	assert.True(t, strings.HasSuffix(out, "last"))

	out, err = h.mgr.Logs(ctx, 5, 10_000)
	require.NoError(t, err)
	assert.Len(t, strings.Split(out, "\n"), 500)

	h.orch.FailLogs = fleet.ErrOrchestratorUnavailable
	_, err = h.mgr.Logs(ctx, 5, 10)
	assert.ErrorIs(t, err, fleet.ErrOrchestratorUnavailable)
}

func TestRestartRecreatesService(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 77)
	ctx := context.Background()

	first, err := h.mgr.Create(ctx, 77)
	require.NoError(t, err)

	res, err := h.mgr.Restart(ctx, 77)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEqual(t, first.Placement.ServiceID, res.Placement.ServiceID)
	assert.Equal(t, 2, h.orch.Creates)
	assert.Equal(t, 1, h.orch.Removes)

	ops, err := h.store.Operations(ctx, 77, 0)
	require.NoError(t, err)
	var names []string
	for _, op := range ops {
		names = append(names, op.Op)
	}
	assert.Equal(t, []string{"restart", "create", "stop", "create"}, names)
}

func TestServicesListsManagedServices(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"), fleettest.Worker("w2"))
	h.bind(t, 1)
	h.bind(t, 2)
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, 1)
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, 2)
	require.NoError(t, err)

	services, err := h.mgr.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	for _, svc := range services {
		assert.Equal(t, 1, svc.RunningReplicas)
		assert.Equal(t, h.opts.PublishedPort(svc.UserID), svc.APIPort)
	}
}

func TestUserMessage(t *testing.T) {
	wrapped := &fleet.OpError{Op: "create", UserID: 1, Err: fleet.ErrCapacityExhausted}
	assert.Contains(t, fleet.UserMessage(wrapped), "temporarily unavailable")
	assert.Equal(t, "create user 1: no node with spare capacity", wrapped.Error())
	assert.False(t, fleet.Retryable(fleet.ErrCredentialsMissing))
	assert.Empty(t, fleet.UserMessage(nil))
}
