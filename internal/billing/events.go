package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	eventKeyPrefix = "billing:event:"
	eventDedupeTTL = 24 * time.Hour

	// ClientReferenceKey is the subscription metadata key holding the
	// subscriber address.
	ClientReferenceKey = "client_reference_id"
)

// Admin changes limiter membership. Both calls return after one confirmation.
type Admin interface {
	AddUser(ctx context.Context, subject common.Address) (*types.Receipt, error)
	RemoveUser(ctx context.Context, subject common.Address) (*types.Receipt, error)
}

// Subscriptions is the part of the billing provider the handler writes to.
type Subscriptions interface {
	TagSubscription(ctx context.Context, subscriptionID, clientReference string) error
}

// EventHandler applies billing provider events to the limiter registry.
type EventHandler struct {
	rdb   *redis.Client
	admin Admin
	subs  Subscriptions
	log   *zap.Logger
}

func NewEventHandler(rdb *redis.Client, admin Admin, subs Subscriptions, log *zap.Logger) *EventHandler {
	return &EventHandler{rdb: rdb, admin: admin, subs: subs, log: log}
}

// Handle processes one verified event. A redelivered event ID is acknowledged
// without side effects. When handling fails the ID is forgotten again so the
// provider's retry is processed.
func (h *EventHandler) Handle(ctx context.Context, event stripe.Event) error {
	key := eventKeyPrefix + event.ID
	fresh, err := h.rdb.SetNX(ctx, key, string(event.Type), eventDedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("dedupe event %s: %w", event.ID, err)
	}
	if !fresh {
		h.log.Info("duplicate billing event ignored",
			zap.String("event", event.ID),
			zap.String("type", string(event.Type)),
		)
		return nil
	}

	if err := h.dispatch(ctx, event); err != nil {
		h.rdb.Del(context.WithoutCancel(ctx), key) //nolint:errcheck
		return err
	}
	return nil
}

func (h *EventHandler) dispatch(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("event %s: no data", event.ID)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		subject, ok := h.subject(event, cs.ClientReferenceID)
		if !ok {
			return nil
		}
		if cs.Subscription != nil && cs.Subscription.ID != "" {
			if err := h.subs.TagSubscription(ctx, cs.Subscription.ID, cs.ClientReferenceID); err != nil {
				return fmt.Errorf("tag subscription %s: %w", cs.Subscription.ID, err)
			}
		}
		if _, err := h.admin.AddUser(ctx, subject); err != nil {
			return fmt.Errorf("add user %s: %w", subject.Hex(), err)
		}
		h.log.Info("subscriber added", zap.String("address", subject.Hex()), zap.String("event", event.ID))

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		subject, ok := h.subject(event, sub.Metadata[ClientReferenceKey])
		if !ok {
			return nil
		}
		if _, err := h.admin.RemoveUser(ctx, subject); err != nil {
			return fmt.Errorf("remove user %s: %w", subject.Hex(), err)
		}
		h.log.Info("subscriber removed", zap.String("address", subject.Hex()), zap.String("event", event.ID))

	default:
		h.log.Info("unhandled billing event", zap.String("type", string(event.Type)))
	}
	return nil
}

// subject parses the client reference as an address. A malformed reference
// can never succeed, so it is logged and the event acknowledged.
func (h *EventHandler) subject(event stripe.Event, ref string) (common.Address, bool) {
	if !common.IsHexAddress(ref) {
		h.log.Warn("billing event without usable client reference",
			zap.String("event", event.ID),
			zap.String("type", string(event.Type)),
			zap.String("client_reference_id", ref),
		)
		return common.Address{}, false
	}
	return common.HexToAddress(ref), true
}
