package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/coordinator"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/sla"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/transition"
	"github.com/vladislavdragonenkov/lifecycle/internal/storage/memory"
	"github.com/vladislavdragonenkov/lifecycle/internal/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router  *gin.Engine
	store   *memory.Store
	tracker *sla.Tracker
	idem    domain.IdempotencyRepository
	now     time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		store: memory.NewStore(),
		idem:  memory.NewIdempotencyRepository(),
		now:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	registry := workflow.MustDefault()
	f.tracker = sla.NewTracker(registry, f.store.SLA())
	engine := transition.NewEngine(registry, f.store.TxManager(), f.tracker,
		transition.WithClock(clock), transition.WithRetry(3, time.Millisecond))

	set := coordinator.NewSet(coordinator.Deps{
		Engine:   engine,
		Entities: f.store.Entities(),
		Events:   f.store.Events(),
		Tracker:  f.tracker,
	}, coordinator.WithClock(clock))

	handler := NewHandler(set, f.tracker,
		WithIdempotency(f.idem, time.Hour),
		WithMetrics(metrics.NewHTTPMetrics(prometheus.NewRegistry())),
		WithClock(clock),
	)
	f.router = handler.Router()
	return f
}

type call struct {
	method  string
	path    string
	body    any
	headers map[string]string
}

func (f *apiFixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := c.body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(c.method, c.path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var adminHeaders = map[string]string{
	headerActorType: "admin",
	headerActorID:   "op-1",
	headerActorName: "Operator",
}

func (f *apiFixture) createOrder(t *testing.T, id string) entityDTO {
	t.Helper()
	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: CreateRequest{ID: id, Reference: "SO-" + id}, headers: adminHeaders})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[entityDTO](t, w)
}

func TestAPI_CreateAndGet(t *testing.T) {
	f := newAPIFixture(t)

	created := f.createOrder(t, "ord-1")
	assert.Equal(t, domain.DomainOrder, created.Domain)
	assert.Equal(t, domain.State("pending"), created.State)
	assert.Equal(t, "Pending", created.StateLabel)
	assert.Equal(t, domain.SLAStatusAtRisk, created.SLA.Status)
	require.NotNil(t, created.SLA.Deadline)
	assert.Equal(t, f.now.Add(2*time.Hour), *created.SLA.Deadline)
	assert.Equal(t, []transitionOptionDTO{
		{State: "confirmed", DisplayName: "Confirmed"},
		{State: "cancelled", DisplayName: "Cancelled"},
	}, created.AvailableTransitions)
	assert.True(t, created.Flags[coordinator.FlagCanCancel])

	w := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/ord-1"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[entityDTO](t, w)
	assert.Equal(t, "SO-ord-1", got.Reference)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/returns/ord-1"})
	assert.Equal(t, http.StatusNotFound, w.Code, "entity of another domain must be invisible")

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: CreateRequest{ID: "ord-1"}})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_TransitionAndIllegalTransition(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-2")

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-2/transitions", body: TransitionRequest{NewState: "shipped"}, headers: adminHeaders})
	require.Equal(t, http.StatusConflict, w.Code)
	illegal := decodeBody[errorDTO](t, w)
	assert.Equal(t, domain.State("pending"), illegal.From)
	assert.Equal(t, domain.State("shipped"), illegal.To)
	assert.Equal(t, []domain.State{"confirmed", "cancelled"}, illegal.Allowed)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-2/transitions", body: TransitionRequest{NewState: "confirmed", Notes: "paid"}, headers: adminHeaders})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decodeBody[entityDTO](t, w)
	assert.Equal(t, domain.State("confirmed"), view.State)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, domain.SLAStatusOnTrack, view.SLA.Status)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/ord-2/transitions"})
	require.Equal(t, http.StatusOK, w.Code)
	options := decodeBody[map[string][]transitionOptionDTO](t, w)
	assert.Equal(t, []transitionOptionDTO{
		{State: "processing", DisplayName: "Processing"},
		{State: "cancelled", DisplayName: "Cancelled"},
	}, options["transitions"])
}

func TestAPI_TransitionValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-3")

	tests := []struct {
		name    string
		body    any
		headers map[string]string
		want    int
	}{
		{name: "empty body", body: nil, want: http.StatusBadRequest},
		{name: "malformed json", body: "{", want: http.StatusBadRequest},
		{name: "missing state", body: TransitionRequest{Notes: "x"}, want: http.StatusBadRequest},
		{name: "bad actor type", body: TransitionRequest{NewState: "confirmed"}, headers: map[string]string{headerActorType: "robot"}, want: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-3/transitions", body: tc.body, headers: tc.headers})
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestAPI_IdempotentTransition(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-4")

	headers := map[string]string{headerActorType: "admin", headerActorID: "op-1", headerIdempotencyKey: "key-1"}
	body := TransitionRequest{NewState: "confirmed"}

	first := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-4/transitions", body: body, headers: headers})
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-4/transitions", body: body, headers: headers})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(headerReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	events, err := f.store.Events().ListByEntity(context.Background(), "ord-4")
	require.NoError(t, err)
	assert.Len(t, events, 2, "replayed request must not append a second transition")

	mismatch := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-4/transitions", body: TransitionRequest{NewState: "cancelled"}, headers: headers})
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestAPI_IdempotentFailureIsReplayed(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-5")

	headers := map[string]string{headerIdempotencyKey: "key-illegal"}
	body := TransitionRequest{NewState: "delivered"}

	first := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-5/transitions", body: body, headers: headers})
	require.Equal(t, http.StatusConflict, first.Code)

	second := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-5/transitions", body: body, headers: headers})
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "true", second.Header().Get(headerReplayed))

	record, err := f.idem.Get(context.Background(), "key-illegal")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestAPI_PersistenceFailureIsRetryable(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-6")

	headers := map[string]string{headerIdempotencyKey: "key-retry"}
	body := TransitionRequest{NewState: "confirmed"}

	f.store.InjectCommitFailure(errors.New("disk full"))
	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-6/transitions", body: body, headers: headers})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, decodeBody[errorDTO](t, w).Retryable)

	got := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/ord-6"})
	assert.Equal(t, domain.State("pending"), decodeBody[entityDTO](t, got).State)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-6/transitions", body: body, headers: headers})
	require.Equal(t, http.StatusOK, w.Code, "released key must allow the retry to run")
	assert.Empty(t, w.Header().Get(headerReplayed))
	assert.Equal(t, domain.State("confirmed"), decodeBody[entityDTO](t, w).State)
}

func TestAPI_NotesAndTimeline(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t, "ord-7")

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-7/transitions", body: TransitionRequest{NewState: "confirmed", Metadata: json.RawMessage(`{"channel":"phone"}`)}, headers: adminHeaders})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-7/notes", body: NoteRequest{Notes: "customer called"}, headers: adminHeaders})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	note := decodeBody[eventDTO](t, w)
	assert.Equal(t, domain.EventNoteAdded, note.Type)
	assert.Equal(t, int64(3), note.Sequence)

	w = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/ord-7/notes", body: NoteRequest{}, headers: adminHeaders})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/ord-7/timeline"})
	require.Equal(t, http.StatusOK, w.Code)
	timeline := decodeBody[map[string][]eventDTO](t, w)["events"]
	require.Len(t, timeline, 3)

	assert.Equal(t, domain.EventCreated, timeline[0].Type)
	assert.Equal(t, "Pending", timeline[0].NewLabel)
	assert.Equal(t, domain.EventStatusChange, timeline[1].Type)
	assert.Equal(t, "Pending", timeline[1].PreviousLabel)
	assert.Equal(t, "Confirmed", timeline[1].NewLabel)
	assert.Equal(t, domain.ActorAdmin, timeline[1].Actor.Type)
	assert.JSONEq(t, `{"channel":"phone"}`, string(timeline[1].Metadata))
	assert.Equal(t, "Note added", timeline[2].TypeLabel)
	assert.Equal(t, "customer called", timeline[2].Notes)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/shipments/ord-7/timeline"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_SLAReports(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, call{method: http.MethodPost, path: "/api/v1/returns", body: CreateRequest{ID: "ret-1", Reference: "ord-1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	f.createOrder(t, "ord-8")

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/sla/at-risk?domain=orders"})
	require.Equal(t, http.StatusOK, w.Code)
	atRisk := decodeBody[struct {
		Items []atRiskDTO `json:"items"`
	}](t, w)
	require.Len(t, atRisk.Items, 1)
	assert.Equal(t, "ord-8", atRisk.Items[0].EntityID)
	assert.InDelta(t, 2.0, atRisk.Items[0].HoursRemaining, 0.001)

	f.now = f.now.Add(25 * time.Hour)
	flagged, err := f.tracker.SweepBreaches(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 2, flagged)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/sla/breached?domain=return_request"})
	require.Equal(t, http.StatusOK, w.Code)
	breached := decodeBody[struct {
		Items []breachDTO `json:"items"`
	}](t, w)
	require.Len(t, breached.Items, 1)
	assert.Equal(t, "ret-1", breached.Items[0].EntityID)
	assert.InDelta(t, 1.0, breached.Items[0].HoursOverdue, 0.001)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/sla/breached"})
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[struct {
		Items []breachDTO `json:"items"`
	}](t, w)
	assert.Len(t, all.Items, 2)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/returns/ret-1"})
	assert.Equal(t, domain.SLAStatusBreached, decodeBody[entityDTO](t, w).SLA.Status)

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/sla/breached?domain=invoices"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_RequestIDEchoed(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/none", headers: map[string]string{headerRequestID: "req-42"}})
	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))

	w = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/none"})
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: domain.ErrEntityNotFound, want: http.StatusNotFound},
		{name: "illegal", err: &domain.IllegalTransitionError{Domain: domain.DomainOrder, From: "a", To: "b"}, want: http.StatusConflict},
		{name: "persistence", err: domain.PersistenceError("commit", errors.New("io")), want: http.StatusServiceUnavailable},
		{name: "validation", err: domain.ErrEntityIDRequired, want: http.StatusBadRequest},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := errorResponse(tc.err)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body.Error)
		})
	}

	_, body := errorResponse(&domain.IllegalTransitionError{Domain: domain.DomainOrder, From: "refunded", To: "pending"})
	assert.NotNil(t, body.Allowed, "terminal states report an empty allowed list")
}
