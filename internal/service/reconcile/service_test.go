package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deliverybot/internal/extract"
	"deliverybot/internal/model"
	"deliverybot/internal/repository"
	"deliverybot/pkg/trace"
)

func sp(s string) *string { return &s }

type fakeMail struct {
	msgs  []model.RawMessage
	err   error
	hours int
}

func (m *fakeMail) FetchSince(_ context.Context, hours int) ([]model.RawMessage, error) {
	m.hours = hours
	return m.msgs, m.err
}

// fakeExtractor maps message IDs to facts; unknown IDs are rejected.
type fakeExtractor struct {
	facts map[string]model.DeliveryFacts
	errs  map[string]error
}

func (e *fakeExtractor) Extract(_ context.Context, msg model.RawMessage) (*model.DeliveryFacts, error) {
	if err, ok := e.errs[msg.ID]; ok {
		return nil, err
	}
	f, ok := e.facts[msg.ID]
	if !ok {
		return nil, extract.ErrNotDelivery
	}
	return &f, nil
}

// memStore is an in-memory upsert keyed by order number.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]model.Delivery
	calls   int
	failFor string
}

func newMemStore() *memStore { return &memStore{rows: map[string]model.Delivery{}} }

func (s *memStore) Upsert(_ context.Context, f model.DeliveryFacts) (repository.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if f.Order() == s.failFor {
		return repository.UpsertResult{}, errors.New("db down")
	}
	d, ok := s.rows[f.Order()]
	if !ok {
		d = model.Delivery{OrderNumber: f.Order(), Service: model.Deref(f.Service), IsActive: true}
	}
	changed := ok && d.Status != model.Deref(f.Status)
	d.Status = model.Deref(f.Status)
	s.rows[f.Order()] = d
	return repository.UpsertResult{Delivery: d, Created: !ok, Changed: changed}, nil
}

type fakeNotifier struct {
	texts []string
	err   error
}

func (n *fakeNotifier) Send(_ context.Context, _ int64, text string) error {
	n.texts = append(n.texts, text)
	return n.err
}

type fakeEvents struct {
	keys   []string
	events []DeliveryUpsertedEvent
}

func (p *fakeEvents) Publish(_ context.Context, key string, payload any) error {
	p.keys = append(p.keys, key)
	p.events = append(p.events, payload.(DeliveryUpsertedEvent))
	return errors.New("broker unavailable")
}

type fakeOnce struct{ seen map[string]bool }

func (o *fakeOnce) AcquireOnce(_ context.Context, key string) bool {
	if o.seen[key] {
		return false
	}
	o.seen[key] = true
	return true
}

func facts(order, status string) model.DeliveryFacts {
	return model.DeliveryFacts{
		IsDeliveryEmail: true,
		Service:         sp("DPD"),
		OrderNumber:     sp(order),
		Status:          sp(status),
	}
}

func TestReconcile_EndToEnd(t *testing.T) {
	mail := &fakeMail{msgs: []model.RawMessage{{ID: "m1"}, {ID: "m2"}, {ID: "spam"}}}
	ext := &fakeExtractor{facts: map[string]model.DeliveryFacts{
		"m1": facts("A1", "Created"),
		"m2": facts("A1", "Delivered"),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{}
	svc := NewService(mail, ext, store, notifier, 42, zap.NewNop())

	n, err := svc.Reconcile(context.Background(), "manual", 24)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, 24, mail.hours)
	require.Len(t, store.rows, 1)
	assert.Equal(t, "Delivered", store.rows["A1"].Status)
	require.Len(t, notifier.texts, 2)
	assert.Contains(t, notifier.texts[1], "Delivered")
}

func TestReconcile_NoMessages(t *testing.T) {
	store := newMemStore()
	notifier := &fakeNotifier{}
	svc := NewService(&fakeMail{}, &fakeExtractor{}, store, notifier, 42, zap.NewNop())

	n, err := svc.Reconcile(context.Background(), "scheduled", 24)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.calls)
	assert.Empty(t, notifier.texts)
}

func TestReconcile_MailFailureAborts(t *testing.T) {
	store := newMemStore()
	svc := NewService(&fakeMail{err: errors.New("token expired")}, &fakeExtractor{}, store, &fakeNotifier{}, 42, zap.NewNop())

	n, err := svc.Reconcile(context.Background(), "manual", 24)
	assert.ErrorIs(t, err, ErrMailSource)
	assert.Zero(t, n)
	assert.Zero(t, store.calls)
}

func TestReconcile_StepFailuresDoNotStopBatch(t *testing.T) {
	mail := &fakeMail{msgs: []model.RawMessage{{ID: "m1"}, {ID: "broken"}, {ID: "m3"}}}
	ext := &fakeExtractor{
		facts: map[string]model.DeliveryFacts{
			"m1": facts("A1", "Created"),
			"m3": facts("B2", "Created"),
		},
		errs: map[string]error{"broken": errors.New("llm timeout")},
	}
	store := newMemStore()
	store.failFor = "A1"
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	svc := NewService(mail, ext, store, notifier, 42, zap.NewNop())

	n, err := svc.Reconcile(context.Background(), "manual", 24)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.calls)
	// A1 failed to persist but is still announced.
	assert.Len(t, notifier.texts, 2)
	assert.Contains(t, store.rows, "B2")
}

func TestReconcile_PublishesEvents(t *testing.T) {
	mail := &fakeMail{msgs: []model.RawMessage{{ID: "m1"}}}
	ext := &fakeExtractor{facts: map[string]model.DeliveryFacts{"m1": facts("A1", "Created")}}
	events := &fakeEvents{}
	notifier := &fakeNotifier{}
	svc := NewService(mail, ext, newMemStore(), notifier, 42, zap.NewNop(), WithEvents(events))

	ctx := trace.WithContext(context.Background(), "run-1")
	n, err := svc.Reconcile(ctx, "manual", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, []string{RoutingKeyUpserted}, events.keys)
	assert.Equal(t, "run-1", events.events[0].RunID)
	assert.True(t, events.events[0].Created)
	assert.Equal(t, "A1", events.events[0].Delivery.OrderNumber)
	// broker failures are not fatal
	assert.Len(t, notifier.texts, 1)
}

func TestReconcile_OnChangePolicy(t *testing.T) {
	mail := &fakeMail{msgs: []model.RawMessage{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}}
	ext := &fakeExtractor{facts: map[string]model.DeliveryFacts{
		"m1": facts("A1", "Created"),
		"m2": facts("A1", "Created"),
		"m3": facts("A1", "Delivered"),
	}}
	notifier := &fakeNotifier{}
	svc := NewService(mail, ext, newMemStore(), notifier, 42, zap.NewNop(), WithPolicy(NotifyOnChange{}))

	n, err := svc.Reconcile(context.Background(), "manual", 24)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, notifier.texts, 2)
	assert.True(t, strings.Contains(notifier.texts[1], "Delivered"))
}

func TestReconcile_WindowPolicy(t *testing.T) {
	mail := &fakeMail{msgs: []model.RawMessage{{ID: "m1"}}}
	ext := &fakeExtractor{facts: map[string]model.DeliveryFacts{"m1": facts("A1", "Created")}}
	notifier := &fakeNotifier{}
	svc := NewService(mail, ext, newMemStore(), notifier, 42, zap.NewNop(),
		WithPolicy(SuppressWindow{Once: &fakeOnce{seen: map[string]bool{}}}))

	for i := 0; i < 2; i++ {
		n, err := svc.Reconcile(context.Background(), "scheduled", 24)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Len(t, notifier.texts, 1)
}

func TestNotifyKey(t *testing.T) {
	a := NotifyKey(facts("A1", "Created"))
	assert.True(t, strings.HasPrefix(a, "notify:A1:"))
	assert.Equal(t, a, NotifyKey(facts("A1", "Created")))
	assert.NotEqual(t, a, NotifyKey(facts("A1", "Delivered")))

	withCode := facts("A1", "Created")
	withCode.PickupCode = sp("1234")
	assert.NotEqual(t, a, NotifyKey(withCode))
}

func TestNotifyOnChange_FailedUpsertNotifies(t *testing.T) {
	p := NotifyOnChange{}
	assert.True(t, p.ShouldNotify(context.Background(), facts("A1", "x"), nil))
	assert.False(t, p.ShouldNotify(context.Background(), facts("A1", "x"), &repository.UpsertResult{}))
}

func TestNewPolicy(t *testing.T) {
	once := &fakeOnce{seen: map[string]bool{}}

	p, err := NewPolicy("", nil)
	require.NoError(t, err)
	assert.IsType(t, AlwaysNotify{}, p)

	p, err = NewPolicy(PolicyOnChange, nil)
	require.NoError(t, err)
	assert.IsType(t, NotifyOnChange{}, p)

	p, err = NewPolicy(PolicyWindow, once)
	require.NoError(t, err)
	assert.IsType(t, SuppressWindow{}, p)

	_, err = NewPolicy(PolicyWindow, nil)
	assert.Error(t, err)

	_, err = NewPolicy("sometimes", nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
