package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/secrets"
)

func newBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "botfleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type accountStore interface {
	fleet.Store
	SaveAccount(context.Context, *Account) error
	Operations(context.Context, fleet.UserID, int) ([]Operation, error)
}

// stores runs a test against both implementations.
func stores(t *testing.T, fn func(t *testing.T, s accountStore)) {
	t.Run("bolt", func(t *testing.T) { fn(t, newBolt(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestPlacementRoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s accountStore) {
		ctx := context.Background()

		p, err := s.GetPlacement(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, p)

		require.NoError(t, s.SetPlacement(ctx, &fleet.Placement{
			UserID:       42,
			ServiceID:    "svc-1",
			ServiceName:  "freqtrade_42",
			NodeHostname: "w1",
			NodeIP:       "10.0.0.2",
			APIPort:      8122,
			Status:       fleet.PlacementRunning,
		}))

		p, err = s.GetPlacement(ctx, 42)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.Active())
		assert.Equal(t, 8122, p.APIPort)

		require.NoError(t, s.ClearPlacement(ctx, 42))
		p, err = s.GetPlacement(ctx, 42)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, fleet.PlacementStopped, p.Status)
		assert.Empty(t, p.ServiceID)
		assert.Empty(t, p.NodeIP)
		assert.Zero(t, p.APIPort)
	})
}

func TestListPlacementsSortedByUser(t *testing.T) {
	stores(t, func(t *testing.T, s accountStore) {
		ctx := context.Background()
		for _, uid := range []fleet.UserID{300, 7, 12} {
			require.NoError(t, s.SetPlacement(ctx, &fleet.Placement{UserID: uid, Status: fleet.PlacementRunning}))
		}

		list, err := s.ListPlacements(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, fleet.UserID(7), list[0].UserID)
		assert.Equal(t, fleet.UserID(12), list[1].UserID)
		assert.Equal(t, fleet.UserID(300), list[2].UserID)
	})
}

func TestAccountCredentials(t *testing.T) {
	stores(t, func(t *testing.T, s accountStore) {
		ctx := context.Background()

		_, err := s.Credentials(ctx, 1)
		assert.ErrorIs(t, err, fleet.ErrCredentialsMissing)

		capital, err := s.CapitalCeiling(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, capital)

		require.NoError(t, s.SaveAccount(ctx, &Account{
			UserID:      1,
			Credentials: fleet.Credentials{APIKey: secrets.PlaceholderAPIKey, Secret: secrets.PlaceholderSecret},
		}))
		_, err = s.Credentials(ctx, 1)
		assert.ErrorIs(t, err, fleet.ErrCredentialsMissing, "placeholders are not credentials")

		require.NoError(t, s.SaveAccount(ctx, &Account{
			UserID:      1,
			Credentials: fleet.Credentials{APIKey: "key-1", Secret: "secret-1"},
			MaxCapital:  2500,
		}))
		creds, err := s.Credentials(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "key-1", creds.APIKey)

		capital, err = s.CapitalCeiling(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2500.0, capital)
	})
}

func TestOperationsNewestFirstPerUser(t *testing.T) {
	stores(t, func(t *testing.T, s accountStore) {
		ctx := context.Background()
		require.NoError(t, s.LogOperation(ctx, 1, "create", "first"))
		require.NoError(t, s.LogOperation(ctx, 12, "create", "other user"))
		require.NoError(t, s.LogOperation(ctx, 1, "stop", "second"))
		require.NoError(t, s.LogOperation(ctx, 1, "create", "third"))

		ops, err := s.Operations(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "third", ops[0].Details)
		assert.Equal(t, "second", ops[1].Details)

		ops, err = s.Operations(ctx, 12, 0)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, fleet.UserID(12), ops[0].UserID)
	})
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfleet.db")
	ctx := context.Background()

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetPlacement(ctx, &fleet.Placement{UserID: 9, ServiceID: "svc", Status: fleet.PlacementRunning}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetPlacement(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "svc", p.ServiceID)
}
