package engine

import "strings"

// identityTable maps every identifier a tool call has been observed under to
// one canonical id chosen at first sighting.
//
// Canonicalization is idempotent and transitive: resolving any alias of a call
// yields the same canonical id for the life of that call. When a later event
// reveals that two previously-distinct aliases denote the same call, all
// cached state keyed by the old canonical id is migrated to the new one via
// the registered migration callbacks.
//
// Not safe for concurrent use; callers hold the engine mutex.
type identityTable struct {
	canonicalByAlias map[string]string
	onMigrate        []func(oldID string, newID string)
}

func newIdentityTable() *identityTable {
	return &identityTable{canonicalByAlias: make(map[string]string)}
}

// addMigration registers a callback invoked when a rebind migrates cached
// state from an old canonical id to a new one.
func (t *identityTable) addMigration(fn func(oldID string, newID string)) {
	if t == nil || fn == nil {
		return
	}
	t.onMigrate = append(t.onMigrate, fn)
}

// canonicalize resolves a call's primary identifier (may be empty) and its
// secondary item identifier to a stable canonical id. It returns false when
// both identifiers are empty; the caller must treat the call as unroutable.
func (t *identityTable) canonicalize(primaryID string, itemID string) (string, bool) {
	if t == nil {
		return "", false
	}
	primaryID = strings.TrimSpace(primaryID)
	itemID = strings.TrimSpace(itemID)
	if primaryID == "" && itemID == "" {
		return "", false
	}

	if primaryID == "" {
		if canonical, ok := t.canonicalByAlias[itemID]; ok {
			return canonical, true
		}
		t.canonicalByAlias[itemID] = itemID
		return itemID, true
	}

	if canonical, ok := t.canonicalByAlias[primaryID]; ok {
		if itemID != "" {
			t.canonicalByAlias[itemID] = canonical
		}
		return canonical, true
	}

	if itemID != "" {
		if old, ok := t.canonicalByAlias[itemID]; ok && old != primaryID {
			t.migrate(old, primaryID)
		}
		t.canonicalByAlias[itemID] = primaryID
	}
	t.canonicalByAlias[primaryID] = primaryID
	return primaryID, true
}

// resolve returns the canonical id for an alias, or the alias itself when it
// was never mapped.
func (t *identityTable) resolve(alias string) string {
	alias = strings.TrimSpace(alias)
	if t == nil || alias == "" {
		return alias
	}
	if canonical, ok := t.canonicalByAlias[alias]; ok {
		return canonical
	}
	return alias
}

func (t *identityTable) migrate(oldID string, newID string) {
	for _, fn := range t.onMigrate {
		fn(oldID, newID)
	}
	for alias, canonical := range t.canonicalByAlias {
		if canonical == oldID {
			t.canonicalByAlias[alias] = newID
		}
	}
}

// forget drops every alias that resolves to one of the given canonical ids.
func (t *identityTable) forget(canonical map[string]struct{}) {
	if t == nil || len(canonical) == 0 {
		return
	}
	for alias, c := range t.canonicalByAlias {
		if _, ok := canonical[c]; ok {
			delete(t.canonicalByAlias, alias)
		}
	}
}

func (t *identityTable) reset() {
	if t == nil {
		return
	}
	t.canonicalByAlias = make(map[string]string)
}
