// Package api exposes the voucher registry over HTTP. Reads go straight to
// the ledger; writes are built against the current snapshot, queued, and
// settled asynchronously by the settler.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/auth"
	"github.com/0gfoundation/0g-voucher/internal/contract"
	"github.com/0gfoundation/0g-voucher/internal/settler"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Signed actions.
const (
	ActionInit = "init"
	ActionMint = "mint"
	ActionUse  = "use"
)

// InitRequest is the signed payload of an init request.
type InitRequest struct {
	Merchant    common.Address `json:"merchant"`
	TotalSupply uint32         `json:"total_supply"`
}

// MintRequest is the signed payload of a mint request.
type MintRequest struct {
	Voucher voucher.Voucher `json:"voucher"`
}

// UseRequest is the signed payload of a use request.
type UseRequest struct {
	Voucher   voucher.Voucher   `json:"voucher"`
	UseCode   voucher.Field     `json:"use_code"`
	Signature voucher.Signature `json:"signature"`
}

type Handler struct {
	contract *contract.Contract
	rdb      *redis.Client
	log      *zap.Logger
}

func NewHandler(c *contract.Contract, rdb *redis.Client, log *zap.Logger) *Handler {
	return &Handler{contract: c, rdb: rdb, log: log}
}

// Register mounts all routes. Writes carry their own auth middleware so each
// one is bound to its action name.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Reads ─────────────────────────────────────────────────────────────
	rg.GET("/registry", h.handleRegistry)
	rg.GET("/vouchers/:key", h.handleVoucher)
	rg.GET("/tx/:id", h.handleReceipt)

	// ── Writes (signed) ───────────────────────────────────────────────────
	rg.POST("/registry/init", auth.Middleware(h.rdb, ActionInit), h.handleInit)
	rg.POST("/vouchers/mint", auth.Middleware(h.rdb, ActionMint), h.handleMint)
	rg.POST("/vouchers/:key/use", auth.Middleware(h.rdb, ActionUse), h.handleUse)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (h *Handler) handleRegistry(c *gin.Context) {
	ctx := c.Request.Context()
	snap, err := h.contract.Ledger().Snapshot(ctx)
	if err != nil {
		h.internal(c, "snapshot", err)
		return
	}
	n, err := h.contract.Ledger().Len(ctx)
	if err != nil {
		h.internal(c, "log length", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"registry":    snap,
		"log_length":  n,
		"init_policy": h.contract.Policy().String(),
	})
}

func (h *Handler) handleVoucher(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	st, err := h.contract.Ledger().Fold(c.Request.Context(), key)
	if err != nil {
		h.internal(c, "fold", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "state": st})
}

func (h *Handler) handleReceipt(c *gin.Context) {
	r, err := settler.GetReceipt(c.Request.Context(), h.rdb, c.Param("id"))
	if err != nil {
		h.internal(c, "receipt", err)
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transaction"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// ── Writes ──────────────────────────────────────────────────────────────────

func (h *Handler) handleInit(c *gin.Context) {
	var req InitRequest
	if !bindSigned(c, &req) {
		return
	}
	tx, err := h.contract.BuildInit(c.Request.Context(), auth.Caller(c), req.Merchant, req.TotalSupply)
	if err != nil {
		h.buildFailed(c, err)
		return
	}
	h.submit(c, tx, nil)
}

func (h *Handler) handleMint(c *gin.Context) {
	var req MintRequest
	if !bindSigned(c, &req) {
		return
	}
	tx, err := h.contract.BuildMint(c.Request.Context(), auth.Caller(c), req.Voucher)
	if err != nil {
		h.buildFailed(c, err)
		return
	}
	// The voucher lands at snapshot_key only if the mint settles; the
	// receipt carries the issued key once its status is SUCCESS.
	h.submit(c, tx, gin.H{"snapshot_key": tx.Mint.SnapshotIndex})
}

func (h *Handler) handleUse(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}
	var req UseRequest
	if !bindSigned(c, &req) {
		return
	}
	tx, err := h.contract.BuildUse(c.Request.Context(), auth.Caller(c), key, req.Voucher, req.UseCode, req.Signature)
	if err != nil {
		h.buildFailed(c, err)
		return
	}
	h.submit(c, tx, nil)
}

func (h *Handler) submit(c *gin.Context, tx *contract.Tx, extra gin.H) {
	if err := settler.Submit(c.Request.Context(), h.rdb, tx); err != nil {
		h.internal(c, "submit", err)
		return
	}
	h.log.Info("transaction queued",
		zap.String("tx", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.String("caller", tx.Caller.Hex()),
	)
	resp := gin.H{"tx_id": tx.ID}
	for k, v := range extra {
		resp[k] = v
	}
	c.JSON(http.StatusAccepted, resp)
}

// ── helpers ─────────────────────────────────────────────────────────────────

// bindSigned decodes the payload carried in the verified signed message. The
// request body is not consulted, so nothing unsigned reaches the contract.
func bindSigned(c *gin.Context, dst any) bool {
	req := auth.Request(c)
	if req == nil || len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing signed payload"})
		return false
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "detail": err.Error()})
		return false
	}
	return true
}

func parseKey(c *gin.Context) (uint32, bool) {
	key, err := strconv.ParseUint(c.Param("key"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return 0, false
	}
	return uint32(key), true
}

// buildFailed reports a transaction that could not be built against the
// current snapshot.
func (h *Handler) buildFailed(c *gin.Context, err error) {
	status := contract.StatusOf(err)
	if status == contract.StatusLedgerError {
		h.internal(c, "build", err)
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": status.String(), "detail": err.Error()})
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	h.log.Error("api: "+op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
