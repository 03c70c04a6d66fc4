package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/auth"
	"github.com/0gfoundation/0g-voucher/internal/contract"
	"github.com/0gfoundation/0g-voucher/internal/ledger"
	"github.com/0gfoundation/0g-voucher/internal/settler"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type testEnv struct {
	rdb      *redis.Client
	contract *contract.Contract
	router   *gin.Engine
	merchant *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := contract.New(ledger.NewMemory(), contract.InitOnce, zap.NewNop())

	r := gin.New()
	NewHandler(c, rdb, zap.NewNop()).Register(r.Group("/api"))

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{rdb: rdb, contract: c, router: r, merchant: key}
}

func (e *testEnv) signed(t *testing.T, key *ecdsa.PrivateKey, path, action, resource string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	h, err := auth.Headers(key, action, resource, payload, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header = h
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// settleAll drains the queue the way the settler does.
func (e *testEnv) settleAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		raw, err := e.rdb.LPop(ctx, settler.QueueKey).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		var tx contract.Tx
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			t.Fatal(err)
		}
		settler.HandleResult(ctx, e.rdb, &tx, e.contract.Settle(ctx, &tx), zap.NewNop())
	}
}

func (e *testEnv) merchantAddr() common.Address {
	return crypto.PubkeyToAddress(e.merchant.PublicKey)
}

// initRegistry initializes and settles with e.merchant as merchant.
func (e *testEnv) initRegistry(t *testing.T, supply uint32) {
	t.Helper()
	w := e.signed(t, e.merchant, "/api/registry/init", ActionInit, "",
		InitRequest{Merchant: e.merchantAddr(), TotalSupply: supply})
	if w.Code != http.StatusAccepted {
		t.Fatalf("init: %d %s", w.Code, w.Body.String())
	}
	e.settleAll(t)
}

func ownedVoucher(t *testing.T, uri uint64) (voucher.Voucher, voucher.Signature) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	u := voucher.NewField(uri)
	sig, err := voucher.SignOwnership(u, key)
	if err != nil {
		t.Fatal(err)
	}
	return voucher.New(u, voucher.Witness(sig)), sig
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

// ── Flow ──────────────────────────────────────────────────────────────────────

func TestAPI_MintUseFlow(t *testing.T) {
	e := newTestEnv(t)
	e.initRegistry(t, 10)

	v, sig := ownedVoucher(t, 42)
	w := e.signed(t, e.merchant, "/api/vouchers/mint", ActionMint, "", MintRequest{Voucher: v})
	if w.Code != http.StatusAccepted {
		t.Fatalf("mint: %d %s", w.Code, w.Body.String())
	}
	var minted struct {
		TxID        string `json:"tx_id"`
		SnapshotKey uint32 `json:"snapshot_key"`
	}
	decode(t, w, &minted)
	if minted.TxID == "" || minted.SnapshotKey != 0 {
		t.Fatalf("unexpected mint response %+v", minted)
	}

	// Pending until settled.
	var rc settler.Receipt
	decode(t, e.get(t, "/api/tx/"+minted.TxID), &rc)
	if rc.Status != settler.StatusPending || rc.Key != nil {
		t.Fatalf("receipt before settle: %+v", rc)
	}
	e.settleAll(t)
	decode(t, e.get(t, "/api/tx/"+minted.TxID), &rc)
	if rc.Status != "SUCCESS" || rc.Key == nil || *rc.Key != 0 {
		t.Fatalf("receipt after settle: %+v", rc)
	}

	var vs struct {
		Key   uint32              `json:"key"`
		State actionlog.FoldState `json:"state"`
	}
	decode(t, e.get(t, "/api/vouchers/0"), &vs)
	if !vs.State.IsSome || vs.State.Value != v.Commitment() {
		t.Fatalf("voucher state: %+v", vs)
	}

	// Anyone holding the signature can redeem.
	holder, _ := crypto.GenerateKey()
	use := UseRequest{Voucher: v, UseCode: voucher.NewField(7), Signature: sig}
	w = e.signed(t, holder, "/api/vouchers/0/use", ActionUse, "0", use)
	if w.Code != http.StatusAccepted {
		t.Fatalf("use: %d %s", w.Code, w.Body.String())
	}
	e.settleAll(t)
	decode(t, e.get(t, "/api/vouchers/0"), &vs)
	if vs.State.Value != v.MarkUsed(voucher.NewField(7)).Commitment() {
		t.Fatal("voucher should be marked used")
	}

	// Replay fails at build time.
	w = e.signed(t, holder, "/api/vouchers/0/use", ActionUse, "0", use)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("replay: expected 422, got %d %s", w.Code, w.Body.String())
	}
	var failed map[string]string
	decode(t, w, &failed)
	if failed["error"] != "ALREADY_USED_OR_UNKNOWN" {
		t.Fatalf("replay error: %v", failed)
	}
}

func TestAPI_Registry(t *testing.T) {
	e := newTestEnv(t)
	e.initRegistry(t, 5)

	var resp struct {
		Registry   contract.State `json:"registry"`
		LogLength  uint64         `json:"log_length"`
		InitPolicy string         `json:"init_policy"`
	}
	decode(t, e.get(t, "/api/registry"), &resp)
	if resp.Registry.Merchant != e.merchantAddr() || resp.Registry.TotalSupply != 5 || !resp.Registry.Initialized {
		t.Fatalf("unexpected registry %+v", resp.Registry)
	}
	if resp.LogLength != 0 || resp.InitPolicy != "once" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

// ── Rejections ────────────────────────────────────────────────────────────────

func TestAPI_MintByNonMerchant(t *testing.T) {
	e := newTestEnv(t)
	e.initRegistry(t, 10)

	stranger, _ := crypto.GenerateKey()
	v, _ := ownedVoucher(t, 1)
	w := e.signed(t, stranger, "/api/vouchers/mint", ActionMint, "", MintRequest{Voucher: v})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["error"] != "AUTHORIZATION" {
		t.Fatalf("unexpected error %v", resp)
	}
	if n, _ := e.rdb.LLen(context.Background(), settler.QueueKey).Result(); n != 0 {
		t.Fatal("rejected build must not be queued")
	}
}

func TestAPI_SecondInitRejected(t *testing.T) {
	e := newTestEnv(t)
	e.initRegistry(t, 10)

	w := e.signed(t, e.merchant, "/api/registry/init", ActionInit, "",
		InitRequest{Merchant: e.merchantAddr(), TotalSupply: 20})
	var resp map[string]string
	decode(t, w, &resp)
	if w.Code != http.StatusUnprocessableEntity || resp["error"] != "ALREADY_INITIALIZED" {
		t.Fatalf("expected 422 ALREADY_INITIALIZED, got %d %v", w.Code, resp)
	}
}

// Both mints are built against index 0; the second receipt records the race.
func TestAPI_ConcurrentMintsStaleReceipt(t *testing.T) {
	e := newTestEnv(t)
	e.initRegistry(t, 10)

	var ids []string
	for i := 0; i < 2; i++ {
		v, _ := ownedVoucher(t, uint64(i))
		w := e.signed(t, e.merchant, "/api/vouchers/mint", ActionMint, "", MintRequest{Voucher: v})
		var resp map[string]any
		decode(t, w, &resp)
		ids = append(ids, resp["tx_id"].(string))
	}
	e.settleAll(t)

	var rc settler.Receipt
	decode(t, e.get(t, "/api/tx/"+ids[1]), &rc)
	if rc.Status != "STALE_SNAPSHOT" || rc.Key != nil {
		t.Fatalf("second mint receipt: %+v", rc)
	}
}

func TestAPI_UseKeyMustMatchSignedResource(t *testing.T) {
	e := newTestEnv(t)
	holder, _ := crypto.GenerateKey()
	w := e.signed(t, holder, "/api/vouchers/1/use", ActionUse, "0", UseRequest{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAPI_BadKey(t *testing.T) {
	e := newTestEnv(t)
	if w := e.get(t, "/api/vouchers/notanumber"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPI_InvalidPayload(t *testing.T) {
	e := newTestEnv(t)
	w := e.signed(t, e.merchant, "/api/vouchers/mint", ActionMint, "",
		map[string]string{"voucher": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}
}

func TestAPI_UnknownReceipt(t *testing.T) {
	e := newTestEnv(t)
	if w := e.get(t, "/api/tx/does-not-exist"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
