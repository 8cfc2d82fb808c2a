// Package server mounts the gateway's HTTP surface and maps component
// errors onto the wire contract.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/attest"
	"github.com/echoedit/edge-gateway/internal/config"
	"github.com/echoedit/edge-gateway/internal/entitlement"
	"github.com/echoedit/edge-gateway/internal/genlog"
	"github.com/echoedit/edge-gateway/internal/ledger"
	"github.com/echoedit/edge-gateway/internal/metrics"
	"github.com/echoedit/edge-gateway/internal/ratelimit"
	"github.com/echoedit/edge-gateway/internal/upstream"
)

const maxPromptLen = 1000

// Generator is satisfied by upstream.Client. Decoupled here so handler
// tests can use a mock provider.
type Generator interface {
	Submit(ctx context.Context, model upstream.Model, req upstream.Request) (*upstream.Submission, error)
	Poll(ctx context.Context, pollingURL string) (*upstream.Status, error)
}

// Handler wires the trust-and-ledger components onto a Gin engine.
type Handler struct {
	authority *attest.Authority
	validator *entitlement.Validator
	ledger    *ledger.Ledger
	limiter   *ratelimit.Limiter
	generator Generator
	genlog    *genlog.Log
	credits   config.CreditsConfig
	log       *zap.Logger
}

func NewHandler(
	authority *attest.Authority,
	validator *entitlement.Validator,
	ldg *ledger.Ledger,
	limiter *ratelimit.Limiter,
	generator Generator,
	gl *genlog.Log,
	credits config.CreditsConfig,
	log *zap.Logger,
) *Handler {
	return &Handler{
		authority: authority,
		validator: validator,
		ledger:    ldg,
		limiter:   limiter,
		generator: generator,
		genlog:    gl,
		credits:   credits,
		log:       log,
	}
}

// Register mounts all routes. The app-token gate should already be applied
// to the group; assertion auth is added here per protected route.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/attest/nonce", h.handleNonce)
	rg.POST("/attest/verify", h.handleAttestVerify)

	protected := rg.Group("", h.RequireAssertion())
	protected.GET("/credits", h.handleCredits)
	protected.POST("/generate-pro", h.handleGenerate(upstream.ModelPro))
	protected.POST("/generate-max", h.handleGenerate(upstream.ModelMax))
	protected.GET("/poll/*encoded", h.handlePoll)
}

// ── Attestation ────────────────────────────────────────────────────────────

func (h *Handler) handleNonce(c *gin.Context) {
	nonce, err := h.authority.IssueNonce(c.Request.Context())
	if err != nil {
		h.log.Error("issue nonce", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, nonceResponse{Nonce: nonce})
}

func (h *Handler) handleAttestVerify(c *gin.Context) {
	var req attestVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	attObj, err := base64.StdEncoding.DecodeString(req.Attestation)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid attestation encoding"})
		return
	}
	clientDataHash, err := base64.StdEncoding.DecodeString(req.ClientDataHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid clientDataHash encoding"})
		return
	}

	if _, err := h.authority.VerifyAttestation(c.Request.Context(), req.KeyID, attObj, clientDataHash); err != nil {
		metrics.Attestations.WithLabelValues("fail").Inc()
		status, msg := statusFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error("attestation verification error", zap.String("key_id", req.KeyID), zap.Error(err))
		} else {
			h.log.Warn("attestation rejected", zap.String("key_id", req.KeyID), zap.Error(err))
		}
		c.JSON(status, errorResponse{Error: msg})
		return
	}
	metrics.Attestations.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, attestVerifyResponse{Success: true})
}

// ── Credits ────────────────────────────────────────────────────────────────

func (h *Handler) handleCredits(c *gin.Context) {
	keyID := c.GetString(ctxKeyID)

	subscriptionActive, err := h.reconcileTransactions(c, keyID)
	if err != nil {
		status, msg := statusFor(err)
		c.JSON(status, errorResponse{Error: msg})
		return
	}

	bal, err := h.ledger.Balance(c.Request.Context(), keyID)
	if err != nil {
		h.log.Error("read balance", zap.String("key_id", keyID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := creditsResponse{Credits: bal, SubscriptionActive: subscriptionActive}
	if recent, err := h.genlog.Recent(c.Request.Context(), keyID, 10); err == nil {
		for _, e := range recent {
			resp.Recent = append(resp.Recent, generationRef{
				ID:          e.GenerationID,
				Model:       e.Model,
				CreditsUsed: e.CreditsUsed,
				Timestamp:   e.Timestamp,
			})
		}
	}
	c.JSON(http.StatusOK, resp)
}

// reconcileTransactions folds client-supplied purchase material into the
// ledger before the balance is read, so a fresh purchase is spendable within
// the same request. A demonstrably bad bundle is the client's fault and is
// returned as an error; a bundle that simply grants nothing, or an issuer
// outage, is logged and the credit check downstream stays authoritative.
func (h *Handler) reconcileTransactions(c *gin.Context, keyID string) (bool, error) {
	ctx := c.Request.Context()
	subscriptionActive := false

	if b64 := c.GetHeader("X-Transaction-Data"); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return false, fmt.Errorf("%w: invalid X-Transaction-Data encoding", entitlement.ErrMalformedBundle)
		}
		ent, err := h.validator.Resolve(ctx, keyID, raw)
		switch {
		case err == nil:
			subscriptionActive = subscriptionActive || ent.SubscriptionActive
		case errors.Is(err, entitlement.ErrMalformedBundle):
			return false, err
		case errors.Is(err, entitlement.ErrNoActiveEntitlement):
			// nothing granted; not an error on its own
		default:
			h.log.Warn("transaction reconciliation failed", zap.String("key_id", keyID), zap.Error(err))
		}
	}

	if receiptB64 := c.GetHeader("X-Receipt-Data"); receiptB64 != "" {
		ent, err := h.validator.ResolveReceipt(ctx, keyID, receiptB64)
		switch {
		case err == nil:
			subscriptionActive = subscriptionActive || ent.SubscriptionActive
		case errors.Is(err, entitlement.ErrMalformedBundle):
			return false, err
		case errors.Is(err, entitlement.ErrNoActiveEntitlement):
			// nothing granted; not an error on its own
		default:
			h.log.Warn("receipt reconciliation failed", zap.String("key_id", keyID), zap.Error(err))
		}
	}

	return subscriptionActive, nil
}

// ── Generation ─────────────────────────────────────────────────────────────

func (h *Handler) cost(model upstream.Model) int64 {
	if model == upstream.ModelMax {
		return h.credits.MaxCost
	}
	return h.credits.ProCost
}

func (h *Handler) handleGenerate(model upstream.Model) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.GetString(ctxKeyID)
		ctx := c.Request.Context()

		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		req.Prompt = strings.TrimSpace(req.Prompt)
		if req.Prompt == "" || utf8.RuneCountInString(req.Prompt) > maxPromptLen {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "prompt must be non-empty and at most 1000 characters"})
			return
		}

		if _, err := h.reconcileTransactions(c, keyID); err != nil {
			status, msg := statusFor(err)
			c.JSON(status, errorResponse{Error: msg})
			return
		}

		if err := h.limiter.Allow(ctx, keyID); err != nil {
			status, msg := statusFor(err)
			c.JSON(status, errorResponse{Error: msg})
			return
		}

		cost := h.cost(model)
		requestID := uuid.NewString()

		if _, err := h.ledger.Debit(ctx, keyID, cost); err != nil {
			status, msg := statusFor(err)
			if status == http.StatusInternalServerError {
				h.log.Error("debit failed", zap.String("key_id", keyID), zap.Error(err))
			}
			c.JSON(status, errorResponse{Error: msg})
			return
		}
		metrics.CreditsDebited.Add(float64(cost))

		sub, err := h.generator.Submit(ctx, model, upstream.Request{
			Prompt:      req.Prompt,
			InputImage:  req.InputImage,
			Seed:        req.Seed,
			AspectRatio: req.AspectRatio,
		})
		if err != nil {
			// The debit already happened; returning the credits is part of
			// the ledger contract, not best-effort cleanup.
			if _, rerr := h.ledger.Refund(ctx, keyID, requestID, cost); rerr != nil {
				h.log.Error("refund after upstream failure",
					zap.String("key_id", keyID),
					zap.String("request_id", requestID),
					zap.Error(rerr),
				)
			} else {
				metrics.CreditsRefunded.Add(float64(cost))
			}
			h.log.Warn("upstream submission failed", zap.String("key_id", keyID), zap.Error(err))
			status, msg := statusFor(err)
			c.JSON(status, errorResponse{Error: msg})
			return
		}

		if err := h.genlog.Append(ctx, genlog.Entry{
			KeyID:        keyID,
			GenerationID: sub.ID,
			Model:        string(model),
			CreditsUsed:  cost,
			Timestamp:    time.Now().Unix(),
		}); err != nil {
			h.log.Warn("generation log append failed", zap.String("key_id", keyID), zap.Error(err))
		}

		c.JSON(http.StatusOK, generateResponse{ID: sub.ID, PollingURL: sub.PollingURL})
	}
}

// ── Polling ────────────────────────────────────────────────────────────────

func (h *Handler) handlePoll(c *gin.Context) {
	encoded := strings.TrimPrefix(c.Param("encoded"), "/")
	pollingURL, err := url.QueryUnescape(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid polling URL"})
		return
	}

	status, err := h.generator.Poll(c.Request.Context(), pollingURL)
	if err != nil {
		code, msg := statusFor(err)
		if code == http.StatusInternalServerError && !errors.Is(err, upstream.ErrUpstreamStatus) {
			h.log.Error("poll failed", zap.Error(err))
		}
		c.JSON(code, errorResponse{Error: msg})
		return
	}
	c.JSON(http.StatusOK, pollResponse{
		ID:        status.ID,
		Status:    string(status.State),
		SampleURL: status.SampleURL,
	})
}
