package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/api"
	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/fleet/fleettest"
)

func TestClientRoundTrip(t *testing.T) {
	e := newEnv(t, api.ServerOptions{}, fleettest.Worker("w1"))
	c := api.NewClient(e.srv.URL+"/", 5*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	view, err := c.BindAccount(ctx, 12345, api.AccountRequest{APIKey: creds.APIKey, Secret: creds.Secret})
	require.NoError(t, err)
	assert.Equal(t, fleet.UserID(12345), view.UserID)

	res, err := c.CreateService(ctx, 12345)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Placement)
	assert.Equal(t, 8425, res.Placement.APIPort)

	p, err := c.Placement(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, "freqtrade_12345", p.ServiceName)

	info, err := c.ServiceStatus(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, fleet.ServiceRunning, info.State)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	services, err := c.Services(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 1)

	res, err = c.RestartService(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, 8425, res.Placement.APIPort)

	_, err = c.StopService(ctx, 12345)
	require.NoError(t, err)

	ops, err := c.Operations(ctx, 12345, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "stop", ops[0].Op)
	assert.Equal(t, "restart", ops[1].Op)

	logs, err := c.ServiceLogs(ctx, 12345, 10)
	require.NoError(t, err)
	assert.Equal(t, fleet.NoServiceLogs, logs)

	report, err := c.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestClientSurfacesFailures(t *testing.T) {
	e := newEnv(t, api.ServerOptions{}, fleettest.Worker("w1"))
	c := api.NewClient(e.srv.URL, 5*time.Second)

	res, err := c.CreateService(context.Background(), 3)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.False(t, res.Success)
	assert.Equal(t, fleet.UserMessage(fleet.ErrCredentialsMissing), res.Message)

	_, err = c.Placement(context.Background(), 3)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
