package fleet_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/fleet/fleettest"
)

func TestContainerCountIgnoresTasksThatAreNotRunning(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"), fleettest.Worker("w2"))
	labels := map[string]string{fleet.LabelApp: app}
	orch.Inject("a", labels, "w1", fleet.TaskRunning)
	orch.Inject("b", labels, "w1", fleet.TaskFailed, fleet.TaskShutdown)
	orch.Inject("c", labels, "w1", fleet.TaskStarting)
	orch.Inject("d", labels, "w2", fleet.TaskRunning)
	orch.Inject("other-app", map[string]string{fleet.LabelApp: "grafana"}, "w1", fleet.TaskRunning)

	probe := fleet.NewCapacityProbe(orch, app, fleet.DefaultCapacityPolicy(), quietLogger())
	n, err := probe.ContainerCount(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaxContainers(t *testing.T) {
	probe := fleet.NewCapacityProbe(fleettest.New(), app, fleet.DefaultCapacityPolicy(), quietLogger())

	worker := fleettest.Worker("w1")
	manager := fleettest.Manager("m1")
	assert.Equal(t, 50, probe.MaxContainers(worker))
	assert.Equal(t, 5, probe.MaxContainers(manager))

	worker.Labels = map[string]string{fleet.DefaultCapacityLabel: "12"}
	assert.Equal(t, 12, probe.MaxContainers(worker))

	manager.Labels = map[string]string{fleet.DefaultCapacityLabel: "lots"}
	assert.Equal(t, 5, probe.MaxContainers(manager), "invalid override falls back to the role default")

	worker.Labels = map[string]string{fleet.DefaultCapacityLabel: "0"}
	assert.Equal(t, 50, probe.MaxContainers(worker))
}

func TestLoadReportsNodeFullWhenEnumerationFails(t *testing.T) {
	orch := fleettest.New(fleettest.Worker("w1"))
	orch.Occupy("w1", app, 2)
	orch.FailListTasks = fleet.ErrOrchestratorUnavailable

	probe := fleet.NewCapacityProbe(orch, app, fleet.DefaultCapacityPolicy(), quietLogger())
	load := probe.Load(context.Background(), fleettest.Worker("w1"))

	assert.Error(t, load.Err)
	assert.Equal(t, load.Max, load.Current)
	assert.Zero(t, load.Available)

	_, err := fleet.NewNodeSelector(orch, probe, quietLogger()).Select(context.Background())
	assert.ErrorIs(t, err, fleet.ErrCapacityExhausted)
}

func TestLoadHonoursCustomPolicy(t *testing.T) {
	orch := fleettest.New()
	orch.Occupy("w1", app, 3)

	policy := fleet.CapacityPolicy{WorkerMax: 4, ManagerMax: 1, Label: "custom.max"}
	load := fleet.NewCapacityProbe(orch, app, policy, quietLogger()).Load(context.Background(), fleettest.Worker("w1"))

	require.NoError(t, load.Err)
	assert.Equal(t, 3, load.Current)
	assert.Equal(t, 4, load.Max)
	assert.Equal(t, 1, load.Available)
	assert.Equal(t, 0, load.Priority)
}
