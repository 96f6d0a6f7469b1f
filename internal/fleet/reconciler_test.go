package fleet_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/fleet/fleettest"
	"github.com/galadd/botfleet/internal/store"
)

func managedLabels(uid string, node string, port string) map[string]string {
	return map[string]string{
		fleet.LabelApp:          app,
		fleet.LabelUserID:       uid,
		fleet.LabelNodeID:       node,
		fleet.LabelNodeHostname: node,
		fleet.LabelNodeIP:       node + ".internal",
		fleet.LabelAPIPort:      port,
	}
}

// racingStore runs before once, between the reconciler's service and placement listings.
type racingStore struct {
	*store.MemoryStore
	before func()
}

func (s *racingStore) ListPlacements(ctx context.Context) ([]*fleet.Placement, error) {
	if s.before != nil {
		s.before()
		s.before = nil
	}
	return s.MemoryStore.ListPlacements(ctx)
}

func newReconciler(orch fleet.Orchestrator, st fleet.PlacementStore) *fleet.Reconciler {
	return fleet.NewReconciler(orch, st, fleet.NewUserLocks(), app, time.Minute, nil, quietLogger())
}

func TestReconcileAdoptsUnrecordedService(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	id := orch.Inject("freqtrade_15", managedLabels("15", "w1", "8095"), "w1")
	st := store.NewMemoryStore()

	report, err := newReconciler(orch, st).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{15}, report.Adopted)
	assert.Empty(t, report.Cleared)

	p, err := st.GetPlacement(context.Background(), 15)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.ServiceID)
	assert.Equal(t, "w1.internal", p.NodeIP)
	assert.Equal(t, 8095, p.APIPort)
	assert.Equal(t, fleet.PlacementRunning, p.Status)
}

func TestReconcileClearsGhostPlacement(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SetPlacement(ctx, &fleet.Placement{
		UserID:      16,
		ServiceID:   "svc-gone",
		ServiceName: "freqtrade_16",
		NodeIP:      "w1.internal",
		Status:      fleet.PlacementRunning,
	}))
	require.NoError(t, st.SetPlacement(ctx, &fleet.Placement{UserID: 17, Status: fleet.PlacementStopped}))

	report, err := newReconciler(orch, st).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{16}, report.Cleared)

	p, err := st.GetPlacement(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, fleet.PlacementStopped, p.Status)
	assert.Empty(t, p.ServiceID)
}

func TestReconcileMarksFailedServiceAsError(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	orch.Inject("freqtrade_18", managedLabels("18", "w1", "8098"), "w1",
		fleet.TaskFailed, fleet.TaskFailed, fleet.TaskRejected)
	st := store.NewMemoryStore()
	rec := newReconciler(orch, st)

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{18}, report.Errored)

	p, err := st.GetPlacement(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, fleet.PlacementError, p.Status)

	report, err = rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed(), "an already marked service is left alone")
}

func TestReconcileLeavesConsistentStateAlone(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 19)
	_, err := h.mgr.Create(context.Background(), 19)
	require.NoError(t, err)

	report, err := newReconciler(h.orch, h.store).Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestReconcileRepairsUnrecordedCreate(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 20)
	h.store.FailSetPlacement = assert.AnError

	_, err := h.mgr.Create(context.Background(), 20)
	require.ErrorIs(t, err, fleet.ErrPlacementNotRecorded)

	h.store.FailSetPlacement = nil
	report, err := newReconciler(h.orch, h.store).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{20}, report.Adopted)
	assert.True(t, h.placement(t, 20).Active())
}

func TestReconcilerStops(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	rec := fleet.NewReconciler(orch, store.NewMemoryStore(), nil, app, 10*time.Millisecond, nil, quietLogger())

	done := make(chan struct{})
	go func() {
		rec.Start(context.Background())
		close(done)
	}()

	rec.Stop()
	rec.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconcileKeepsPlacementCreatedDuringSweep(t *testing.T) {
	h := newHarness(t, fleettest.Worker("w1"))
	h.bind(t, 42)
	ctx := context.Background()

	st := &racingStore{MemoryStore: h.store, before: func() {
		_, err := h.mgr.Create(ctx, 42)
		require.NoError(t, err)
	}}
	report, err := newReconciler(h.orch, st).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Cleared)

	assert.True(t, h.placement(t, 42).Active())
	assert.Equal(t, []string{"freqtrade_42"}, h.orch.ServicesOf(42))
}

func TestReconcileSkipsServiceRemovedDuringSweep(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	orch.Inject("freqtrade_43", managedLabels("43", "w1", "8103"), "w1")
	ctx := context.Background()

	st := &racingStore{MemoryStore: store.NewMemoryStore(), before: func() {
		require.NoError(t, orch.RemoveService(ctx, "freqtrade_43"))
	}}
	report, err := newReconciler(orch, st).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Adopted)

	p, err := st.GetPlacement(ctx, 43)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestReconcileCleanupRemovesFailedService(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	orch.Inject("freqtrade_44", managedLabels("44", "w1", "8104"), "w1",
		fleet.TaskFailed, fleet.TaskRejected)
	orch.Inject("freqtrade_45", managedLabels("45", "w1", "8105"), "w1")
	st := store.NewMemoryStore()
	ctx := context.Background()

	report, err := newReconciler(orch, st).ReconcileWith(ctx, fleet.ReconcileOptions{Cleanup: true})
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{44}, report.Removed)
	assert.Empty(t, report.Errored)
	assert.Equal(t, []fleet.UserID{45}, report.Adopted)

	assert.Empty(t, orch.ServicesOf(44))
	assert.Equal(t, []string{"freqtrade_45"}, orch.ServicesOf(45))
	p, err := st.GetPlacement(ctx, 44)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, fleet.PlacementStopped, p.Status)
	assert.Empty(t, p.ServiceID)
}

func TestReconcilerCleanupDefault(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	orch.Inject("freqtrade_46", managedLabels("46", "w1", "8106"), "w1", fleet.TaskFailed)
	st := store.NewMemoryStore()

	report, err := newReconciler(orch, st).WithCleanup(true).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fleet.UserID{46}, report.Removed)
	assert.Empty(t, orch.ServicesOf(46))
}
