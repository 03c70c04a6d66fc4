package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/actionlog"
	"github.com/0gfoundation/0g-voucher/internal/contract"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

var (
	merchant = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	holder   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, 0), rdb
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	l, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// forEachBackend runs fn against a fresh ledger of every kind.
func forEachBackend(t *testing.T, fn func(t *testing.T, l contract.Ledger)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("redis", func(t *testing.T) {
		l, _ := newTestRedis(t)
		fn(t, l)
	})
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
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
		t.Fatalf("SignOwnership: %v", err)
	}
	return voucher.New(u, voucher.Witness(sig)), sig
}

func newRegistry(t *testing.T, l contract.Ledger, supply uint32) *contract.Contract {
	t.Helper()
	c := contract.New(l, contract.InitOnce, zap.NewNop())
	if err := c.InitState(context.Background(), merchant, merchant, supply); err != nil {
		t.Fatalf("InitState: %v", err)
	}
	return c
}

// ── Scenario ──────────────────────────────────────────────────────────────────

func TestLedger_Scenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)

		v0, sig0 := ownedVoucher(t, 100)
		v1, sig1 := ownedVoucher(t, 101)

		for want, v := range []voucher.Voucher{v0, v1} {
			idx, err := c.Mint(ctx, merchant, v)
			if err != nil {
				t.Fatalf("mint %d: %v", want, err)
			}
			if idx != uint32(want) {
				t.Fatalf("mint index: got %d want %d", idx, want)
			}
		}
		snap, err := l.Snapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if snap.CurrentIndex != 2 {
			t.Fatalf("current index: got %d want 2", snap.CurrentIndex)
		}

		if ok, err := c.Use(ctx, holder, 0, v0, voucher.NewField(7), sig0); !ok || err != nil {
			t.Fatalf("use(0): ok=%v err=%v", ok, err)
		}
		if _, err := c.Use(ctx, holder, 0, v0, voucher.NewField(7), sig0); !errors.Is(err, contract.ErrAlreadyUsedOrUnknown) {
			t.Fatalf("replay use(0): expected ErrAlreadyUsedOrUnknown, got %v", err)
		}
		if ok, err := c.Use(ctx, holder, 1, v1, voucher.NewField(3), sig1); !ok || err != nil {
			t.Fatalf("use(1): ok=%v err=%v", ok, err)
		}
		if _, err := c.Use(ctx, holder, 2, v1, voucher.NewField(3), sig1); !errors.Is(err, contract.ErrAlreadyUsedOrUnknown) {
			t.Fatalf("use(2): expected ErrAlreadyUsedOrUnknown, got %v", err)
		}

		n, err := l.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n != 4 {
			t.Fatalf("log length: got %d want 4 (two mints, two uses)", n)
		}

		got, err := l.Fold(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsSome || got.Value != v0.MarkUsed(voucher.NewField(7)).Commitment() {
			t.Fatalf("fold(0) should hold the used commitment, got %+v", got)
		}
		if got, _ := l.Fold(ctx, 2); got.IsSome {
			t.Fatalf("fold(2) should be empty, got %+v", got)
		}
	})
}

func TestLedger_SupplyBound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 1)
		for i := 0; i < 2; i++ {
			v, _ := ownedVoucher(t, uint64(i))
			if _, err := c.Mint(ctx, merchant, v); err != nil {
				t.Fatalf("mint %d: %v", i, err)
			}
		}
		v, _ := ownedVoucher(t, 9)
		if _, err := c.Mint(ctx, merchant, v); !errors.Is(err, contract.ErrSupplyExceeded) {
			t.Fatalf("third mint: expected ErrSupplyExceeded, got %v", err)
		}
	})
}

// ── Atomicity ─────────────────────────────────────────────────────────────────

func TestLedger_RejectionWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)
		before, _ := l.Snapshot(ctx)

		v, _ := ownedVoucher(t, 1)
		if _, err := c.Mint(ctx, holder, v); !errors.Is(err, contract.ErrAuthorization) {
			t.Fatalf("expected ErrAuthorization, got %v", err)
		}
		after, _ := l.Snapshot(ctx)
		if after != before {
			t.Fatalf("registry changed on rejection: %+v -> %+v", before, after)
		}
		if n, _ := l.Len(ctx); n != 0 {
			t.Fatalf("log grew on rejection: %d", n)
		}
	})
}

func TestLedger_ApplyErrorPassesThrough(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		boom := errors.New("boom")
		err := l.Apply(context.Background(), func(contract.State, contract.FoldFunc) (contract.Effects, error) {
			return contract.Effects{}, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})
}

func TestLedger_StaleMint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)
		v1, _ := ownedVoucher(t, 1)
		v2, _ := ownedVoucher(t, 2)

		tx1, err := c.BuildMint(ctx, merchant, v1)
		if err != nil {
			t.Fatal(err)
		}
		tx2, err := c.BuildMint(ctx, merchant, v2)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Settle(ctx, tx1); err != nil {
			t.Fatalf("settle tx1: %v", err)
		}
		if err := c.Settle(ctx, tx2); !errors.Is(err, contract.ErrStaleSnapshot) {
			t.Fatalf("settle tx2: expected ErrStaleSnapshot, got %v", err)
		}
		if n, _ := l.Len(ctx); n != 1 {
			t.Fatalf("log length: got %d want 1", n)
		}
	})
}

func TestLedger_StaleUse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)
		v, sig := ownedVoucher(t, 1)
		if _, err := c.Mint(ctx, merchant, v); err != nil {
			t.Fatal(err)
		}

		tx1, err := c.BuildUse(ctx, holder, 0, v, voucher.NewField(7), sig)
		if err != nil {
			t.Fatal(err)
		}
		tx2, err := c.BuildUse(ctx, holder, 0, v, voucher.NewField(8), sig)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Settle(ctx, tx1); err != nil {
			t.Fatalf("settle tx1: %v", err)
		}
		if err := c.Settle(ctx, tx2); !errors.Is(err, contract.ErrStaleSnapshot) {
			t.Fatalf("settle tx2: expected ErrStaleSnapshot, got %v", err)
		}
	})
}

// Redemptions of different keys built against one snapshot both settle.
// On Redis the second one loses its WATCH on the log and must re-fold.
func TestLedger_UsesOnDifferentKeysDoNotConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)

		vs := make([]voucher.Voucher, 4)
		sigs := make([]voucher.Signature, 4)
		for i := range vs {
			vs[i], sigs[i] = ownedVoucher(t, uint64(200+i))
			if _, err := c.Mint(ctx, merchant, vs[i]); err != nil {
				t.Fatalf("mint %d: %v", i, err)
			}
		}
		build := func(key uint32) *contract.Tx {
			tx, err := c.BuildUse(ctx, holder, key, vs[key], voucher.NewField(uint64(key)+1), sigs[key])
			if err != nil {
				t.Fatalf("build use(%d): %v", key, err)
			}
			return tx
		}

		// Sequential: both built before either settles.
		tx0, tx1 := build(0), build(1)
		if err := c.Settle(ctx, tx0); err != nil {
			t.Fatalf("settle use(0): %v", err)
		}
		if err := c.Settle(ctx, tx1); err != nil {
			t.Fatalf("settle use(1): %v", err)
		}

		// Concurrent.
		txs := []*contract.Tx{build(2), build(3)}
		errs := make([]error, len(txs))
		var wg sync.WaitGroup
		for i, tx := range txs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = c.Settle(ctx, tx)
			}()
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("concurrent use(%d): %v", i+2, err)
			}
		}

		for key := uint32(0); key < 4; key++ {
			got, err := l.Fold(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			want := vs[key].MarkUsed(voucher.NewField(uint64(key) + 1)).Commitment()
			if !got.IsSome || got.Value != want {
				t.Fatalf("key %d not marked used: %+v", key, got)
			}
		}
		if n, _ := l.Len(ctx); n != 8 {
			t.Fatalf("log length %d, want 8", n)
		}
	})
}

// Concurrent build+settle rounds: every mint either settles at a distinct
// index or is rejected as stale; the index counts exactly the settled ones.
func TestLedger_ConcurrentMints(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 1000)

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			settled int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, _ := ownedVoucher(t, uint64(i))
				tx, err := c.BuildMint(ctx, merchant, v)
				if err != nil {
					t.Errorf("build %d: %v", i, err)
					return
				}
				err = c.Settle(ctx, tx)
				switch {
				case err == nil:
					mu.Lock()
					settled++
					mu.Unlock()
				case errors.Is(err, contract.ErrStaleSnapshot):
				default:
					t.Errorf("settle %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		snap, _ := l.Snapshot(ctx)
		if int(snap.CurrentIndex) != settled {
			t.Fatalf("current index %d, settled %d", snap.CurrentIndex, settled)
		}
		if n, _ := l.Len(ctx); int(n) != settled {
			t.Fatalf("log length %d, settled %d", n, settled)
		}
		if settled == 0 {
			t.Fatal("at least one mint must settle")
		}
	})
}

// ── Compaction ────────────────────────────────────────────────────────────────

func TestLedger_CompactPreservesFold(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l contract.Ledger) {
		ctx := context.Background()
		c := newRegistry(t, l, 10)
		comp := l.(Compactor)

		v0, sig0 := ownedVoucher(t, 1)
		v1, sig1 := ownedVoucher(t, 2)
		if _, err := c.Mint(ctx, merchant, v0); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Mint(ctx, merchant, v1); err != nil {
			t.Fatal(err)
		}

		h, err := comp.Compact(ctx)
		if err != nil {
			t.Fatalf("Compact: %v", err)
		}
		if h != 2 {
			t.Fatalf("checkpoint height: got %d want 2", h)
		}

		// One redemption against the checkpoint, one after a second compaction.
		if _, err := c.Use(ctx, holder, 0, v0, voucher.NewField(5), sig0); err != nil {
			t.Fatalf("use(0) after compaction: %v", err)
		}
		if _, err := comp.Compact(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Use(ctx, holder, 0, v0, voucher.NewField(5), sig0); !errors.Is(err, contract.ErrAlreadyUsedOrUnknown) {
			t.Fatalf("replay after compaction: expected ErrAlreadyUsedOrUnknown, got %v", err)
		}
		if _, err := c.Use(ctx, holder, 1, v1, voucher.NewField(6), sig1); err != nil {
			t.Fatalf("use(1): %v", err)
		}

		// Compacting twice in a row is a no-op.
		h1, _ := comp.Compact(ctx)
		h2, _ := comp.Compact(ctx)
		if h1 != 4 || h2 != 4 {
			t.Fatalf("heights after full compaction: %d, %d", h1, h2)
		}
		got, _ := l.Fold(ctx, 1)
		if got.Value != v1.MarkUsed(voucher.NewField(6)).Commitment() {
			t.Fatal("fold(1) after compaction should be the used commitment")
		}
	})
}

// ── Backend specifics ─────────────────────────────────────────────────────────

func TestRedis_Layout(t *testing.T) {
	l, rdb := newTestRedis(t)
	ctx := context.Background()
	c := newRegistry(t, l, 10)
	v, _ := ownedVoucher(t, 1)
	if _, err := c.Mint(ctx, merchant, v); err != nil {
		t.Fatal(err)
	}

	reg, err := rdb.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		t.Fatal(err)
	}
	if reg["current_index"] != "1" || reg["total_supply"] != "10" || reg["initialized"] != "1" {
		t.Fatalf("unexpected registry hash %v", reg)
	}
	if common.HexToAddress(reg["merchant"]) != merchant {
		t.Fatalf("merchant: got %s", reg["merchant"])
	}
	if reg["version"] != "2" {
		t.Fatalf("version: got %s want 2", reg["version"])
	}

	raws, err := rdb.LRange(ctx, LogKey, 0, -1).Result()
	if err != nil || len(raws) != 1 {
		t.Fatalf("log: %v %v", raws, err)
	}
	var a actionlog.Action
	if err := json.Unmarshal([]byte(raws[0]), &a); err != nil {
		t.Fatal(err)
	}
	if a.Key != 0 || a.Value != v.Commitment() {
		t.Fatalf("unexpected log entry %+v", a)
	}
}

func TestRedis_CheckpointStored(t *testing.T) {
	l, _ := newTestRedis(t)
	ctx := context.Background()
	c := newRegistry(t, l, 10)
	v, _ := ownedVoucher(t, 1)
	if _, err := c.Mint(ctx, merchant, v); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	cp, err := l.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Height != 1 || cp.Values[0] != v.Commitment() {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
}

func TestRedis_CorruptLogEntry(t *testing.T) {
	l, rdb := newTestRedis(t)
	ctx := context.Background()
	rdb.RPush(ctx, LogKey, "not json")
	if _, err := l.Fold(ctx, 0); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRedis_CorruptVersion(t *testing.T) {
	l, rdb := newTestRedis(t)
	ctx := context.Background()
	c := newRegistry(t, l, 10)
	rdb.HSet(ctx, RegistryKey, "version", "garbage")

	if _, err := l.Snapshot(ctx); err == nil {
		t.Fatal("expected version parse error")
	}
	v, _ := ownedVoucher(t, 1)
	if _, err := c.Mint(ctx, merchant, v); err == nil {
		t.Fatal("mint must not settle over a corrupt registry")
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Fatalf("log length %d, want 0", n)
	}
	if got, _ := rdb.HGet(ctx, RegistryKey, "version").Result(); got != "garbage" {
		t.Fatalf("registry rewritten: version=%q", got)
	}
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	c := newRegistry(t, l, 10)
	v, sig := ownedVoucher(t, 1)
	if _, err := c.Mint(ctx, merchant, v); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	snap, _ := l.Snapshot(ctx)
	if !snap.Initialized || snap.Merchant != merchant || snap.CurrentIndex != 1 {
		t.Fatalf("state not persisted: %+v", snap)
	}
	c = contract.New(l, contract.InitOnce, zap.NewNop())
	if _, err := c.Use(ctx, holder, 0, v, voucher.NewField(2), sig); err != nil {
		t.Fatalf("use after reopen: %v", err)
	}
}

func TestMemory_ParallelFoldMatchesSequential(t *testing.T) {
	prev := foldSegments
	foldSegments = 4
	t.Cleanup(func() { foldSegments = prev })

	ctx := context.Background()
	l := NewMemory()
	c := newRegistry(t, l, 32)

	sigs := make([]voucher.Signature, 0, 20)
	vs := make([]voucher.Voucher, 0, 20)
	for i := range 20 {
		v, sig := ownedVoucher(t, uint64(i))
		if _, err := c.Mint(ctx, merchant, v); err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
		vs, sigs = append(vs, v), append(sigs, sig)
	}
	for _, k := range []uint32{0, 7, 19} {
		if _, err := c.Use(ctx, holder, k, vs[k], voucher.NewField(9), sigs[k]); err != nil {
			t.Fatalf("use(%d): %v", k, err)
		}
	}

	log := l.Actions()
	for key := uint32(0); key <= 21; key++ {
		got, err := l.Fold(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if want := actionlog.Fold(log, key); got != want {
			t.Fatalf("key %d: got %+v want %+v", key, got, want)
		}
	}
}
