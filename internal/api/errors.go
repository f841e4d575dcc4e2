package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/billing"
	"github.com/Fluffy9/Gasless-Runner/internal/relay"
	"github.com/Fluffy9/Gasless-Runner/internal/tracker"
)

// Error kinds produced at this layer in addition to relay.Kind.
const (
	kindInternal       = "internal"
	kindNotFound       = "not_found"
	kindNoSubscription = "no_subscription"
	kindBilling        = "billing"
	kindWebhook        = "webhook_signature"
)

// statusFor maps a relay error kind to its HTTP status.
func statusFor(kind relay.Kind) int {
	switch kind {
	case relay.KindValidation:
		return http.StatusBadRequest
	case relay.KindContractRead, relay.KindContractRevert:
		return http.StatusUnprocessableEntity
	case relay.KindInsufficientFunds:
		return http.StatusServiceUnavailable
	case relay.KindRPC, relay.KindBroadcast:
		return http.StatusBadGateway
	case relay.KindAdminOpFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// classify returns the HTTP status and machine-readable kind for err.
func classify(err error) (int, string) {
	if k := relay.KindOf(err); k != "" {
		return statusFor(k), string(k)
	}
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, billing.ErrNoSubscription):
		return http.StatusNotFound, kindNoSubscription
	}
	return http.StatusInternalServerError, kindInternal
}

// fail writes err as {"error", "kind"[, "reason"]} and returns the kind.
func (h *Handler) fail(c *gin.Context, route string, err error) string {
	status, kind := classify(err)

	body := gin.H{"kind": kind}
	var re *relay.Error
	switch {
	case errors.As(err, &re):
		body["error"] = re.Error()
		if re.Reason != "" {
			body["reason"] = re.Reason
		}
	case kind == kindInternal:
		body["error"] = "internal error"
	default:
		body["error"] = err.Error()
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("route", route), zap.String("kind", kind), zap.Error(err))
	} else {
		h.log.Info("request rejected", zap.String("route", route), zap.String("kind", kind), zap.Error(err))
	}
	c.JSON(status, body)
	return kind
}

func (h *Handler) badRequest(c *gin.Context, msg string) string {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": string(relay.KindValidation)})
	return string(relay.KindValidation)
}
