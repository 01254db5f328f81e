package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"deliverybot/internal/model"
	"deliverybot/internal/repository"
)

const (
	PolicyAlways   = "always"
	PolicyOnChange = "on_change"
	PolicyWindow   = "window"
)

// NotifyPolicy decides whether an accepted delivery is pushed to chat.
// res is nil when the upsert failed.
type NotifyPolicy interface {
	ShouldNotify(ctx context.Context, facts model.DeliveryFacts, res *repository.UpsertResult) bool
}

// AlwaysNotify sends on every sighting.
type AlwaysNotify struct{}

func (AlwaysNotify) ShouldNotify(context.Context, model.DeliveryFacts, *repository.UpsertResult) bool {
	return true
}

// NotifyOnChange sends for new records and for updates that replaced a
// mutable field. A failed upsert still notifies: the store cannot tell.
type NotifyOnChange struct{}

func (NotifyOnChange) ShouldNotify(_ context.Context, _ model.DeliveryFacts, res *repository.UpsertResult) bool {
	return res == nil || res.Created || res.Changed
}

// OnceChecker is satisfied by *util.Deduper.
type OnceChecker interface {
	AcquireOnce(ctx context.Context, key string) bool
}

// SuppressWindow drops a notification whose order number and mutable fields
// were already sent within the deduper's TTL.
type SuppressWindow struct {
	Once OnceChecker
}

func (p SuppressWindow) ShouldNotify(ctx context.Context, facts model.DeliveryFacts, _ *repository.UpsertResult) bool {
	return p.Once.AcquireOnce(ctx, NotifyKey(facts))
}

// NotifyKey identifies a notification by order number and a hash of the
// fields a user would see change.
func NotifyKey(f model.DeliveryFacts) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join([]string{
		model.Deref(f.Status),
		model.Deref(f.Address),
		model.Deref(f.PickupCode),
		model.Deref(f.EstimatedDelivery),
	}, "\x00")))
	return fmt.Sprintf("notify:%s:%x", f.Order(), h.Sum64())
}

var ErrUnknownPolicy = errors.New("unknown notify policy")

// NewPolicy maps a config name to a policy. An empty name means always;
// window needs once.
func NewPolicy(name string, once OnceChecker) (NotifyPolicy, error) {
	switch name {
	case "", PolicyAlways:
		return AlwaysNotify{}, nil
	case PolicyOnChange:
		return NotifyOnChange{}, nil
	case PolicyWindow:
		if once == nil {
			return nil, fmt.Errorf("%s policy needs redis", PolicyWindow)
		}
		return SuppressWindow{Once: once}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
