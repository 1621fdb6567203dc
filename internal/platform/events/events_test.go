package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medpractice/billing/internal/platform/db"
)

type invoicePaid struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	At        time.Time `json:"at"`
}

func (e invoicePaid) EventName() string      { return "billing.invoice.paid" }
func (e invoicePaid) AggregateID() uuid.UUID { return e.InvoiceID }
func (e invoicePaid) OccurredOn() time.Time  { return e.At }

func TestNewMessageCarriesMetadata(t *testing.T) {
	evt := invoicePaid{InvoiceID: uuid.New(), At: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	ctx := db.WithTenant(context.Background(), "north_clinic", nil)

	msg, err := NewMessage(ctx, evt)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "billing.invoice.paid", msg.Metadata.Get(MetaEventName))
	assert.Equal(t, evt.InvoiceID.String(), msg.Metadata.Get(MetaAggregateID))
	assert.Equal(t, "2026-03-01T10:00:00Z", msg.Metadata.Get(MetaOccurredAt))
	assert.Equal(t, "north_clinic", msg.Metadata.Get(MetaTenantID))

	var decoded invoicePaid
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, evt.InvoiceID, decoded.InvoiceID)
}

func TestGoChannelDeliversToSubscriber(t *testing.T) {
	pub := NewGoChannel("billing.events", zerolog.Nop())
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	evt := invoicePaid{InvoiceID: uuid.New(), At: time.Now()}
	require.NoError(t, pub.Publish(context.Background(), evt))

	select {
	case msg := <-msgs:
		assert.Equal(t, evt.InvoiceID.String(), msg.Metadata.Get(MetaAggregateID))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(), invoicePaid{InvoiceID: uuid.New()}))
	require.NoError(t, r.Publish(context.Background(), invoicePaid{InvoiceID: uuid.New()}))

	assert.Len(t, r.Events(), 2)
	assert.Equal(t, []string{"billing.invoice.paid", "billing.invoice.paid"}, r.Names())
}
