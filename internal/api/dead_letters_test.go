package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDeadLetters struct {
	letters    map[string]*domain.DeadLetter
	resolvedBy string
}

func (m *memDeadLetters) ListDeadLetters(_ context.Context, tenantID string, resolved bool, _ int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	for _, dl := range m.letters {
		if dl.TenantID == tenantID && (dl.ResolvedAt != nil) == resolved {
			out = append(out, *dl)
		}
	}
	return out, nil
}

func (m *memDeadLetters) GetDeadLetter(_ context.Context, tenantID, id string) (*domain.DeadLetter, error) {
	dl, ok := m.letters[id]
	if !ok || dl.TenantID != tenantID {
		return nil, nil
	}
	cp := *dl
	return &cp, nil
}

func (m *memDeadLetters) resolve(tenantID, id, by string) (*domain.DeadLetter, error) {
	dl, ok := m.letters[id]
	if !ok || dl.TenantID != tenantID || dl.ResolvedBy != nil {
		return nil, store.ErrDeadLetterNotFound
	}
	dl.ResolvedBy = &by
	m.resolvedBy = by
	return dl, nil
}

func (m *memDeadLetters) ResolveDeadLetter(_ context.Context, tenantID, id, resolvedBy string) error {
	_, err := m.resolve(tenantID, id, resolvedBy)
	return err
}

func (m *memDeadLetters) ReplayDeadLetter(_ context.Context, tenantID, id, actor string) (*domain.WebhookDelivery, error) {
	dl, err := m.resolve(tenantID, id, "replay:"+actor)
	if err != nil {
		return nil, err
	}
	return &domain.WebhookDelivery{
		ID:             uuid.NewString(),
		SubscriptionID: dl.SubscriptionID,
		TenantID:       tenantID,
		TargetURL:      "https://example.com/hook",
		EventID:        dl.EventID,
		EventType:      "orders.order.created",
		Payload:        json.RawMessage(`{}`),
		MaxAttempts:    5,
		Status:         domain.DeliveryCreated,
	}, nil
}

type recordingQueue struct {
	jobs []engine.DeliveryJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job engine.DeliveryJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newDeadLetterFixture(t *testing.T) (http.Handler, *memDeadLetters, *recordingQueue, string) {
	t.Helper()
	id := uuid.NewString()
	letters := &memDeadLetters{letters: map[string]*domain.DeadLetter{
		id: {
			ID:             id,
			DeliveryID:     uuid.NewString(),
			TenantID:       testTenant,
			EventID:        uuid.NewString(),
			SubscriptionID: uuid.NewString(),
			TotalAttempts:  5,
		},
	}}
	queue := &recordingQueue{}

	h := NewDeadLetterHandler(letters, queue, testLogger())
	r := newTestRouter(testTenant)
	r.Get("/dead-letters", h.List)
	r.Get("/dead-letters/{id}", h.Get)
	r.Post("/dead-letters/{id}/resolve", h.Resolve)
	r.Post("/dead-letters/{id}/replay", h.Replay)
	return r, letters, queue, id
}

func TestDeadLetterReplay_EnqueuesFreshDelivery(t *testing.T) {
	r, letters, queue, id := newDeadLetterFixture(t)

	rec := do(t, r, http.MethodPost, "/dead-letters/"+id+"/replay", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var replay domain.WebhookDelivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))

	require.Len(t, queue.jobs, 1)
	job := queue.jobs[0]
	assert.Equal(t, replay.ID, job.DeliveryID)
	assert.Equal(t, testTenant, job.TenantID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "replay:"+testUser, letters.resolvedBy)

	rec = do(t, r, http.MethodPost, "/dead-letters/"+id+"/replay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, queue.jobs, 1)
}

func TestDeadLetterReplay_EnqueueFailureStillAccepted(t *testing.T) {
	r, _, queue, id := newDeadLetterFixture(t)
	queue.err = errors.New("redis down")

	rec := do(t, r, http.MethodPost, "/dead-letters/"+id+"/replay", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDeadLetterResolve(t *testing.T) {
	t.Run("defaults to caller", func(t *testing.T) {
		r, letters, _, id := newDeadLetterFixture(t)
		rec := do(t, r, http.MethodPost, "/dead-letters/"+id+"/resolve", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, testUser, letters.resolvedBy)
	})

	t.Run("explicit resolver", func(t *testing.T) {
		r, letters, _, id := newDeadLetterFixture(t)
		rec := do(t, r, http.MethodPost, "/dead-letters/"+id+"/resolve", `{"resolved_by":"ops"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops", letters.resolvedBy)
	})

	t.Run("unknown", func(t *testing.T) {
		r, _, _, _ := newDeadLetterFixture(t)
		rec := do(t, r, http.MethodPost, "/dead-letters/"+uuid.NewString()+"/resolve", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeadLetterList(t *testing.T) {
	r, _, _, id := newDeadLetterFixture(t)

	rec := do(t, r, http.MethodGet, "/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var letters []domain.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &letters))
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)

	rec = do(t, r, http.MethodGet, "/dead-letters?resolved=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
