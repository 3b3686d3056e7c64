package engine

import "testing"

func TestIdentityCanonicalizeBothEmpty(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()
	if _, ok := tbl.canonicalize("", ""); ok {
		t.Fatalf("expected unroutable call for empty identifiers")
	}
}

func TestIdentityCanonicalizePrimaryWins(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()

	id, ok := tbl.canonicalize("call_1", "item_1")
	if !ok || id != "call_1" {
		t.Fatalf("canonicalize = %q, %v; want call_1, true", id, ok)
	}
	// Any alias resolves to the same canonical id afterwards.
	if got := tbl.resolve("item_1"); got != "call_1" {
		t.Fatalf("resolve(item_1) = %q; want call_1", got)
	}
	if got := tbl.resolve("call_1"); got != "call_1" {
		t.Fatalf("resolve(call_1) = %q; want call_1", got)
	}
}

func TestIdentityCanonicalizeItemOnly(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()

	id, ok := tbl.canonicalize("", "item_9")
	if !ok || id != "item_9" {
		t.Fatalf("canonicalize = %q, %v; want item_9, true", id, ok)
	}
	// A second sighting under the same item id is stable.
	again, _ := tbl.canonicalize("", "item_9")
	if again != "item_9" {
		t.Fatalf("second canonicalize = %q; want item_9", again)
	}
}

func TestIdentityRebindMigratesState(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()

	var migratedOld, migratedNew string
	tbl.addMigration(func(oldID, newID string) {
		migratedOld, migratedNew = oldID, newID
	})

	// First seen with only an item id; canonical becomes the item id.
	if id, _ := tbl.canonicalize("", "item_2"); id != "item_2" {
		t.Fatalf("initial canonical = %q; want item_2", id)
	}
	// The primary id arrives later for the same item: state migrates.
	id, ok := tbl.canonicalize("call_2", "item_2")
	if !ok || id != "call_2" {
		t.Fatalf("rebind canonicalize = %q, %v; want call_2, true", id, ok)
	}
	if migratedOld != "item_2" || migratedNew != "call_2" {
		t.Fatalf("migration = %q -> %q; want item_2 -> call_2", migratedOld, migratedNew)
	}
	if got := tbl.resolve("item_2"); got != "call_2" {
		t.Fatalf("resolve(item_2) after rebind = %q; want call_2", got)
	}
}

func TestIdentityCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()

	first, _ := tbl.canonicalize("call_3", "item_3")
	second, _ := tbl.canonicalize("call_3", "item_3")
	third, _ := tbl.canonicalize("call_3", "")
	if first != second || second != third {
		t.Fatalf("canonicalize not idempotent: %q, %q, %q", first, second, third)
	}
}

func TestIdentityForget(t *testing.T) {
	t.Parallel()
	tbl := newIdentityTable()
	tbl.canonicalize("call_4", "item_4")

	tbl.forget(map[string]struct{}{"call_4": {}})
	if got := tbl.resolve("item_4"); got != "item_4" {
		t.Fatalf("resolve(item_4) after forget = %q; want item_4 (unmapped)", got)
	}
}
