package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/Fluffy9/Gasless-Runner/internal/billing"
	"github.com/Fluffy9/Gasless-Runner/internal/config"
	"github.com/Fluffy9/Gasless-Runner/internal/relay"
	"github.com/Fluffy9/Gasless-Runner/internal/tracker"
)

// ── Dependencies ──────────────────────────────────────────────────────────────
// Each is satisfied by the concrete type noted; tests swap in fakes.

// Relayer is satisfied by relay.Relayer.
type Relayer interface {
	Relay(ctx context.Context, req relay.RelayRequest) (relay.TransactionHandle, error)
}

// QuotaReader is satisfied by relay.QuotaOracle.
type QuotaReader interface {
	GetQuota(ctx context.Context, subject common.Address) (relay.QuotaRecord, error)
}

// StatusReader is satisfied by tracker.Tracker.
type StatusReader interface {
	Status(ctx context.Context, hash common.Hash) (tracker.Record, error)
}

// Portal is satisfied by billing.StripeClient.
type Portal interface {
	PortalURL(ctx context.Context, clientReference, returnURL string) (string, error)
}

// WebhookVerifier is satisfied by billing.Verifier.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// EventHandler is satisfied by billing.EventHandler.
type EventHandler interface {
	Handle(ctx context.Context, event stripe.Event) error
}

// Observer is satisfied by metrics.Metrics.
type Observer interface {
	ObserveRequest(route, kind string, took time.Duration)
	ObserveWebhook(eventType, result string)
}

type Deps struct {
	Relayer  Relayer
	Quota    QuotaReader
	Status   StatusReader
	Portal   Portal
	Verifier WebhookVerifier
	Events   EventHandler
	Metrics  Observer
}

// Handler serves the public relay API for one plan plus the billing webhook.
type Handler struct {
	plan config.Plan
	deps Deps
	log  *zap.Logger
}

func NewHandler(plan config.Plan, deps Deps, log *zap.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = nopObserver{}
	}
	return &Handler{plan: plan, deps: deps, log: log}
}

// Register mounts all routes. Plan routes live under the plan's base URL so
// several plans can be served behind one reverse proxy; planMW applies to
// those routes only.
func (h *Handler) Register(rg *gin.RouterGroup, planMW ...gin.HandlerFunc) {
	rg.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "🤓") })
	rg.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	// ── Billing webhook (raw body, signature checked) ─────────────────────
	rg.POST("/webhook", h.handleWebhook)

	// ── Plan API ──────────────────────────────────────────────────────────
	plan := rg.Group(h.plan.BaseURL, planMW...)
	plan.POST("/execute", h.observed("execute", h.handleExecute))
	plan.POST("/quota", h.observed("quota", h.handleQuota))
	plan.POST("/status", h.observed("status", h.handleStatus))
	plan.POST("/create-customer-portal-session", h.observed("portal", h.handlePortal))
}

// observed wraps a handler that reports its outcome kind ("ok" on success).
func (h *Handler) observed(route string, fn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		kind := fn(c)
		h.deps.Metrics.ObserveRequest(route, kind, time.Since(start))
	}
}

// ── POST {base}/execute ───────────────────────────────────────────────────────

type executeRequest struct {
	Address     string `json:"address"`
	Transaction struct {
		ABI       string          `json:"abi"`
		Signature string          `json:"signature"`
		Nonce     json.RawMessage `json:"nonce"`
	} `json:"transaction"`
}

func (h *Handler) handleExecute(c *gin.Context) string {
	var body executeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return h.badRequest(c, "invalid request body: "+err.Error())
	}
	if !common.IsHexAddress(body.Address) {
		return h.badRequest(c, "address is not a hex address")
	}
	payload, err := decodeHex(body.Transaction.ABI)
	if err != nil {
		return h.badRequest(c, "transaction.abi: "+err.Error())
	}
	sig, err := decodeHex(body.Transaction.Signature)
	if err != nil {
		return h.badRequest(c, "transaction.signature: "+err.Error())
	}
	nonce, err := parseNonce(body.Transaction.Nonce)
	if err != nil {
		return h.badRequest(c, "transaction.nonce: "+err.Error())
	}

	handle, err := h.deps.Relayer.Relay(c.Request.Context(), relay.RelayRequest{
		Subject:   common.HexToAddress(body.Address),
		Payload:   payload,
		Signature: sig,
		Nonce:     nonce,
	})
	if err != nil {
		return h.fail(c, "execute", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionHash": handle.Hash.Hex(),
		"from":            handle.From.Hex(),
		"nonce":           handle.Nonce,
	})
	return "ok"
}

// ── POST {base}/quota ─────────────────────────────────────────────────────────

func (h *Handler) handleQuota(c *gin.Context) string {
	var body struct {
		Address string `json:"address"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return h.badRequest(c, "invalid request body: "+err.Error())
	}
	if !common.IsHexAddress(body.Address) {
		return h.badRequest(c, "address is not a hex address")
	}

	rec, err := h.deps.Quota.GetQuota(c.Request.Context(), common.HexToAddress(body.Address))
	if err != nil {
		return h.fail(c, "quota", err)
	}
	reset := "0"
	if rec.ResetDate != nil {
		reset = rec.ResetDate.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"quota":      rec.Remaining,
		"used":       rec.Used,
		"unit":       rec.Unit,
		"totalQuota": rec.TotalQuota,
		"resetDate":  reset,
	})
	return "ok"
}

// ── POST {base}/status ────────────────────────────────────────────────────────

func (h *Handler) handleStatus(c *gin.Context) string {
	var body struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return h.badRequest(c, "invalid request body: "+err.Error())
	}
	raw, err := decodeHex(body.TransactionHash)
	if err != nil || len(raw) != common.HashLength {
		return h.badRequest(c, "transactionHash must be 32 hex bytes")
	}

	rec, err := h.deps.Status.Status(c.Request.Context(), common.BytesToHash(raw))
	if err != nil {
		return h.fail(c, "status", err)
	}
	resp := gin.H{
		"transactionHash": rec.Hash.Hex(),
		"from":            rec.From.Hex(),
		"nonce":           rec.Nonce,
		"status":          string(rec.Status),
		"submittedAt":     rec.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if rec.BlockNumber > 0 {
		resp["blockNumber"] = rec.BlockNumber
	}
	c.JSON(http.StatusOK, resp)
	return "ok"
}

// ── POST {base}/create-customer-portal-session ────────────────────────────────

func (h *Handler) handlePortal(c *gin.Context) string {
	var body struct {
		Address     string `json:"address"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return h.badRequest(c, "invalid request body: "+err.Error())
	}
	if !common.IsHexAddress(body.Address) {
		return h.badRequest(c, "address is not a hex address")
	}

	url, err := h.deps.Portal.PortalURL(c.Request.Context(), body.Address, body.RedirectURL)
	switch {
	case errors.Is(err, billing.ErrNoSubscription):
		return h.fail(c, "portal", err)
	case err != nil:
		h.log.Error("portal session failed", zap.String("address", body.Address), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "billing provider unavailable", "kind": kindBilling})
		return kindBilling
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
	return "ok"
}

// ── POST /webhook ─────────────────────────────────────────────────────────────
// The response is written only after the event has been fully processed, so
// a checkout is acknowledged once the on-chain registration is confirmed.

func (h *Handler) handleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error(), "kind": string(relay.KindValidation)})
		return
	}
	event, err := h.deps.Verifier.Verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.log.Warn("webhook signature rejected", zap.Error(err))
		h.deps.Metrics.ObserveWebhook("unverified", kindWebhook)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook Error: " + err.Error(), "kind": kindWebhook})
		return
	}

	if err := h.deps.Events.Handle(c.Request.Context(), event); err != nil {
		kind := h.fail(c, "webhook", err)
		h.deps.Metrics.ObserveWebhook(string(event.Type), kind)
		return
	}
	h.deps.Metrics.ObserveWebhook(string(event.Type), "ok")
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// ── helpers ───────────────────────────────────────────────────────────────────

// decodeHex accepts hex with or without the 0x prefix.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// parseNonce accepts a JSON number or a decimal/0x-hex string.
func parseNonce(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("missing")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
	}
	base := 10
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		text, base = text[2:], 16
	}
	n, ok := new(big.Int).SetString(text, base)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", text)
	}
	return n, nil
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, time.Duration) {}
func (nopObserver) ObserveWebhook(string, string)                {}
