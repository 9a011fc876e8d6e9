package events

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/orders"
)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *server.Server {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns
}

func setupTestPublisher(t *testing.T) *Publisher {
	ns := startTestNATSServer(t)

	p, err := Connect(Config{URL: ns.ClientURL(), Prefix: "test.broker"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestConnect tests publisher initialization and prefix normalization
func TestConnect(t *testing.T) {
	p := setupTestPublisher(t)

	assert.Equal(t, "test.broker.", p.prefix)
	assert.True(t, p.nc.IsConnected())
	assert.Equal(t, "test.broker.orders.filled", p.TransitionSubject(orders.StatusFilled))
	assert.Equal(t, "test.broker.alerts.forced_timeout", p.AlertSubject(orders.AlertCategoryForcedTimeout))
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}

// TestPublishTransition tests that transitions arrive on their status subject
func TestPublishTransition(t *testing.T) {
	p := setupTestPublisher(t)

	received := make(chan *Event, 4)
	sub, err := p.Subscribe("orders.*", func(ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, p.Flush(context.Background()))

	at := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	tr := orders.Transition{
		OrderID:   "0000117057",
		Symbol:    "005930",
		Side:      orders.SideBuy,
		From:      orders.StatusPending,
		To:        orders.StatusFilled,
		Quantity:  10,
		FilledQty: 10,
		Reason:    "fill rows sum to order quantity",
		At:        at,
	}
	require.NoError(t, p.PublishTransition(context.Background(), tr))

	select {
	case ev := <-received:
		assert.Equal(t, KindTransition, ev.Kind)
		assert.Equal(t, "test.broker.orders.filled", ev.Subject)
		assert.NotEqual(t, "", ev.ID.String())

		got, err := ev.Transition()
		require.NoError(t, err)
		assert.Equal(t, tr.OrderID, got.OrderID)
		assert.Equal(t, orders.StatusFilled, got.To)
		assert.True(t, at.Equal(got.At))

		_, err = ev.Alert()
		assert.Error(t, err, "a transition is not an alert")
	case <-time.After(2 * time.Second):
		t.Fatal("transition not received")
	}
}

func TestPublishAlert(t *testing.T) {
	p := setupTestPublisher(t)

	received := make(chan *Event, 4)
	sub, err := p.Subscribe("alerts.>", func(ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, p.Flush(context.Background()))

	alert := orders.AlertOrderQueryFailed(assert.AnError, 3)
	require.NoError(t, p.PublishAlert(context.Background(), alert))

	select {
	case ev := <-received:
		assert.Equal(t, "test.broker.alerts.order_query", ev.Subject)
		got, err := ev.Alert()
		require.NoError(t, err)
		assert.Equal(t, orders.AlertCategoryOrderQuery, got.Category)
		assert.Equal(t, assert.AnError.Error(), got.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not received")
	}
}

func TestPublish_CancelledContext(t *testing.T) {
	p := setupTestPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PublishTransition(ctx, orders.Transition{To: orders.StatusPending})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestPublisher_WiredIntoController tests the publisher as the controller's transition and alert sink
func TestPublisher_WiredIntoController(t *testing.T) {
	p := setupTestPublisher(t)

	received := make(chan *Event, 8)
	sub, err := p.Subscribe(">", func(ev *Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, p.Flush(context.Background()))

	am := orders.NewAlertManager(p)
	am.SendAlert(context.Background(), orders.AlertOrderCancellationFailed(assert.AnError, "0000000001"))

	var _ orders.Publisher = p

	select {
	case ev := <-received:
		assert.Equal(t, KindAlert, ev.Kind)
		assert.Equal(t, "test.broker.alerts.order_cancel", ev.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not received")
	}
}
