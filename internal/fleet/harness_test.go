package fleet_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/fleet/fleettest"
	"github.com/galadd/botfleet/internal/store"
)

const baseTemplate = `{
    // shared defaults for every bot
    "max_open_trades": 3,
    "stake_currency": "USDT",
    "exchange": {
        "name": "binance",
        "key": "",
        "secret": "",
        "ccxt_config": {},
    },
}`

var testCreds = fleet.Credentials{
	APIKey: "binance-key-0001112223334444",
	Secret: "binance-secret-5556667778889999",
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	orch  *fleettest.Orchestrator
	store *store.MemoryStore
	dirs  *fleet.UserDirs
	mgr   *fleet.Manager
	opts  fleet.Options
}

func newHarness(t *testing.T, nodes ...fleet.Node) *harness {
	t.Helper()
	root := t.TempDir()
	base := filepath.Join(root, "base.json")
	require.NoError(t, os.WriteFile(base, []byte(baseTemplate), 0o644))

	opts := fleet.DefaultOptions()
	opts.SettleDelay = 0

	log := quietLogger()
	orch := fleettest.New(nodes...)
	probe := fleet.NewCapacityProbe(orch, opts.AppLabel, fleet.DefaultCapacityPolicy(), log)
	selector := fleet.NewNodeSelector(orch, probe, log)
	st := store.NewMemoryStore()
	dirs := fleet.NewUserDirs(filepath.Join(root, "users"), base, int(opts.ContainerPort))

	return &harness{
		orch:  orch,
		store: st,
		dirs:  dirs,
		opts:  opts,
		mgr:   fleet.NewManager(orch, st, dirs, selector, opts, fleet.NewMetrics(prometheus.NewRegistry()), log),
	}
}

func (h *harness) bind(t *testing.T, uid fleet.UserID) {
	t.Helper()
	require.NoError(t, h.store.SaveAccount(context.Background(), &store.Account{
		UserID:      uid,
		Credentials: testCreds,
		MaxCapital:  750,
	}))
}

func accountWithoutCapital(uid fleet.UserID) *store.Account {
	return &store.Account{UserID: uid, Credentials: testCreds}
}

func (h *harness) placement(t *testing.T, uid fleet.UserID) *fleet.Placement {
	t.Helper()
	p, err := h.store.GetPlacement(context.Background(), uid)
	require.NoError(t, err)
	return p
}
