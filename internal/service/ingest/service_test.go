package ingest

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/repository/repotest"
)

var received = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func event(id string) model.InboundEvent {
	return model.InboundEvent{
		ID: id, Type: "invoice.payment_failed", SubscriptionID: "sub_1",
		Payload: []byte(`{"id":"` + id + `"}`), ReceivedAt: received,
	}
}

func TestRecordIfNewWritesEventAndOutbox(t *testing.T) {
	store := repotest.New()
	svc := New(store.Tx, store.Events, store.Outbox, "")

	isNew, rec, err := svc.RecordIfNew(context.Background(), event("evt_1"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, model.StatePending, rec.State)

	rows := store.Outbox.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, BillingEventsKafkaTopic, rows[0].Topic)
	assert.Equal(t, "sub_1", rows[0].PartitionKey)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &env))
	assert.Equal(t, "evt_1", env.EventID)
}

func TestRecordIfNewDuplicate(t *testing.T) {
	store := repotest.New()
	svc := New(store.Tx, store.Events, store.Outbox, "events")
	ctx := context.Background()

	_, _, err := svc.RecordIfNew(ctx, event("evt_1"))
	require.NoError(t, err)
	require.NoError(t, store.Events.MarkProcessed(ctx, nil, "evt_1", received))

	isNew, rec, err := svc.RecordIfNew(ctx, event("evt_1"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, model.StateProcessed, rec.State, "the stored record is returned")
	assert.Len(t, store.Outbox.Rows(), 1)
}

func TestRecordIfNewKeysByEventWithoutSubscription(t *testing.T) {
	store := repotest.New()
	svc := New(store.Tx, store.Events, store.Outbox, "")

	ev := event("evt_1")
	ev.SubscriptionID = ""
	_, _, err := svc.RecordIfNew(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", store.Outbox.Rows()[0].PartitionKey)
}

func TestConcurrentDuplicatesHaveOneWinner(t *testing.T) {
	store := repotest.New()
	svc := New(store.Tx, store.Events, store.Outbox, "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, _, err := svc.RecordIfNew(context.Background(), event("evt_dup"))
			if assert.NoError(t, err) && isNew {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Equal(t, 1, store.Events.Len())
	assert.Len(t, store.Outbox.Rows(), 1)
}

func TestRecordIfNewRollsBackWhenOutboxFails(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "mysql")
	defer db.Close()

	svc := New(repository.NewTransactor(db), repository.NewEventsRepository(db), repository.NewOutboxRepository(db), "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inbound_events")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, _, err = svc.RecordIfNew(context.Background(), event("evt_1"))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
