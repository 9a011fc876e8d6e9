package db_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/db"
	"github.com/ajitpratap0/brokercore/internal/db/testhelpers"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

// TestJournalWithTestcontainers tests the journal against a real PostgreSQL
func TestJournalWithTestcontainers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping testcontainers test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations())

	ctx := context.Background()
	require.NoError(t, tc.DB.Health(ctx))

	journal := tc.DB.Journal()
	created := time.Date(2026, 3, 2, 1, 0, 30, 0, time.UTC)
	bar := created.Add(150 * time.Second)

	snap := orders.OrderSnapshot{
		ID:           "0000117057",
		Symbol:       "005930",
		Side:         orders.SideBuy,
		Price:        decimal.NewFromInt(71000),
		Quantity:     10,
		RemainingQty: 10,
		Status:       orders.StatusPending,
		CreatedAt:    created,
		UpdatedAt:    created,
		Deadline:     created.Add(180 * time.Second),
		DecisionBar:  &bar,
		Reason:       "submitted",
	}

	t.Run("Upsert", func(t *testing.T) {
		require.NoError(t, journal.UpsertOrder(ctx, snap))
		require.NoError(t, journal.RecordTransition(ctx, orders.Transition{
			OrderID: snap.ID, Symbol: snap.Symbol, Side: snap.Side, To: orders.StatusPending,
			Quantity: 10, Reason: "submitted", At: created,
		}))

		filled := snap
		filled.Status = orders.StatusFilled
		filled.FilledQty = 10
		filled.RemainingQty = 0
		filled.EchoQty = 10
		filled.Deadline = time.Time{}
		done := created.Add(6 * time.Second)
		filled.UpdatedAt = done
		filled.CompletedAt = &done
		filled.Reason = "fill rows sum to order quantity"

		require.NoError(t, journal.UpsertOrder(ctx, filled))
		require.NoError(t, journal.RecordTransition(ctx, orders.Transition{
			OrderID: snap.ID, Symbol: snap.Symbol, Side: snap.Side, From: orders.StatusPending, To: orders.StatusFilled,
			Quantity: 10, FilledQty: 10, Reason: filled.Reason, At: done,
		}))
	})

	t.Run("Read", func(t *testing.T) {
		got, err := journal.GetOrder(ctx, snap.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, orders.StatusFilled, got.Status)
		assert.Equal(t, int64(10), got.FilledQty)
		assert.True(t, decimal.NewFromInt(71000).Equal(got.Price))
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.Deadline.IsZero())

		transitions, err := journal.ListTransitions(ctx, snap.ID)
		require.NoError(t, err)
		require.Len(t, transitions, 2)
		assert.Equal(t, orders.Status(""), transitions[0].From)
		assert.Equal(t, orders.StatusFilled, transitions[1].To)

		recent, err := journal.RecentOrders(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, recent, 1)

		missing, err := journal.GetOrder(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("MigrationsIdempotent", func(t *testing.T) {
		m, err := db.OpenMigrator(tc.ConnectionStr)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()

		applied, err := m.Migrate(ctx)
		require.NoError(t, err)
		assert.Zero(t, applied)

		var out bytes.Buffer
		require.NoError(t, m.Status(ctx, &out))
		assert.Contains(t, out.String(), "Current schema version: 2")
	})
}
