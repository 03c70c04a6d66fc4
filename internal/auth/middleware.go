// Package auth verifies EIP-191 signed registry requests. The signed message
// carries the operation payload, so the recovered wallet is the caller of the
// init, mint or use transaction built from it.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyPrefix  = "voucher:nonce:"

	callerKey  = "wallet_address"
	requestKey = "signed_request"
)

// Middleware returns a Gin handler that validates EIP-191 wallet signatures
// for the given action. The route's :key parameter, when present, must match
// the signed resource_id.
func Middleware(rdb *redis.Client, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		if req.Action != action {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "action mismatch"})
			return
		}
		if key := c.Param("key"); key != "" && key != req.ResourceID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "resource mismatch"})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}
		if req.Nonce == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing nonce"})
			return
		}

		recovered, err := verifySender(msgBytes, sigHex, walletAddr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		// Nonce dedup via Redis SET NX, kept until the request would expire anyway.
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(callerKey, recovered)
		c.Set(requestKey, &req)
		c.Next()
	}
}

// Caller returns the wallet recovered by Middleware.
func Caller(c *gin.Context) common.Address {
	addr, _ := c.Get(callerKey)
	a, _ := addr.(common.Address)
	return a
}

// Request returns the signed request verified by Middleware.
func Request(c *gin.Context) *SignedRequest {
	v, _ := c.Get(requestKey)
	req, _ := v.(*SignedRequest)
	return req
}
