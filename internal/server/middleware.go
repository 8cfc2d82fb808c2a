package server

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxKeyID = "key_id"

// AppTokenGate rejects requests without the pre-shared app token. A coarse
// anti-scraping filter in front of the per-device logic, not a substitute
// for attestation.
func AppTokenGate(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-App-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing or invalid app token"})
			return
		}
		c.Next()
	}
}

// CORS allows the mobile client's in-app web views to reach the JSON API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers",
			"Content-Type, X-App-Token, X-Key-ID, X-Assertion, X-Client-Data-Hash, X-Transaction-Data, X-Receipt-Data")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequireAssertion validates the per-request device assertion headers and
// stores the verified keyID in the context. This is the security gate on
// every protected call.
func (h *Handler) RequireAssertion() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.GetHeader("X-Key-ID")
		assertionB64 := c.GetHeader("X-Assertion")
		hashB64 := c.GetHeader("X-Client-Data-Hash")

		if keyID == "" || assertionB64 == "" || hashB64 == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "missing assertion headers"})
			return
		}

		assertionRaw, err := base64.StdEncoding.DecodeString(assertionB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid X-Assertion encoding"})
			return
		}
		clientDataHash, err := base64.StdEncoding.DecodeString(hashB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid X-Client-Data-Hash encoding"})
			return
		}

		if err := h.authority.VerifyAssertion(c.Request.Context(), keyID, assertionRaw, clientDataHash); err != nil {
			status, msg := statusFor(err)
			if status == http.StatusInternalServerError {
				h.log.Error("assertion verification error", zap.String("key_id", keyID), zap.Error(err))
			}
			c.AbortWithStatusJSON(status, errorResponse{Error: msg})
			return
		}

		c.Set(ctxKeyID, keyID)
		c.Next()
	}
}
