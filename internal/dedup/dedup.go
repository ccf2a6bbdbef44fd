// Package dedup guarantees at most one row per identity key across every
// unit loaded into a table.
package dedup

import (
	"fmt"
	"sync"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
	"github.com/tyler180/baseball-almanac-backends/internal/clean"
)

type IdentityKey struct {
	League    string
	TableType almanac.TableType
	Season    int
	Entity    string
	Category  string
}

func KeyOf(r clean.CleanedRow) IdentityKey {
	return IdentityKey{
		League:    r.Unit.League,
		TableType: r.Unit.TableType,
		Season:    r.Unit.Season,
		Entity:    r.Entity,
		Category:  r.Category,
	}
}

func (k IdentityKey) String() string {
	return fmt.Sprintf("%s#%s#%d#%s#%s", k.League, k.TableType, k.Season, k.Entity, k.Category)
}

type Verdict int

const (
	Accept Verdict = iota
	ExactDuplicate
	Conflict
)

func (v Verdict) String() string {
	switch v {
	case ExactDuplicate:
		return "exact-duplicate"
	case Conflict:
		return "conflict"
	default:
		return "accept"
	}
}

// Entry is one persisted key, as read back from the store.
type Entry struct {
	Key         IdentityKey
	Fingerprint uint64
	UnitKey     string
}

type partition struct {
	mu     sync.Mutex
	seeded map[int]bool
	keys   map[IdentityKey]Entry
}

// Index is partitioned per table so workers on different tables never contend.
type Index struct {
	mu    sync.Mutex
	parts map[string]*partition
}

func NewIndex() *Index {
	return &Index{parts: map[string]*partition{}}
}

func (x *Index) part(table string) *partition {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.parts[table]
	if !ok {
		p = &partition{seeded: map[int]bool{}, keys: map[IdentityKey]Entry{}}
		x.parts[table] = p
	}
	return p
}

// Seeded reports whether (table, season) was already loaded from the store.
func (x *Index) Seeded(table string, season int) bool {
	p := x.part(table)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeded[season]
}

// Seed loads persisted keys once per (table, season). Later calls are ignored.
func (x *Index) Seed(table string, season int, entries []Entry) {
	p := x.part(table)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seeded[season] {
		return
	}
	p.seeded[season] = true
	for _, e := range entries {
		if _, ok := p.keys[e.Key]; !ok {
			p.keys[e.Key] = e
		}
	}
}

// Check classifies a row against admitted keys without changing the index.
// Keys the row's own unit admitted earlier do not count against it, so a
// unit interrupted after its load can run again.
func (x *Index) Check(r clean.CleanedRow) (Verdict, Entry) {
	p := x.part(r.Unit.Table())
	p.mu.Lock()
	defer p.mu.Unlock()
	return judge(p.keys, r, true)
}

func judge(keys map[IdentityKey]Entry, r clean.CleanedRow, ownIsNew bool) (Verdict, Entry) {
	prev, ok := keys[KeyOf(r)]
	switch {
	case !ok:
		return Accept, Entry{}
	case ownIsNew && prev.UnitKey == r.Unit.Key():
		return Accept, Entry{}
	case prev.Fingerprint == r.Fingerprint:
		return ExactDuplicate, prev
	default:
		return Conflict, prev
	}
}

// Filter keeps the first row per identity key, checking both admitted keys
// and earlier rows of the same batch. Dropped rows are recorded in rep.
func (x *Index) Filter(rows []clean.CleanedRow, rep *clean.QualityReport) []clean.CleanedRow {
	if len(rows) == 0 {
		return rows
	}
	p := x.part(rows[0].Unit.Table())
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := map[IdentityKey]Entry{}
	out := make([]clean.CleanedRow, 0, len(rows))
	for _, r := range rows {
		v, prev := judge(p.keys, r, true)
		if v == Accept {
			v, prev = judge(batch, r, false)
		}
		switch v {
		case Accept:
			batch[KeyOf(r)] = entryOf(r)
			out = append(out, r)
		case ExactDuplicate:
			if rep != nil {
				rep.Duplicate(true, "")
			}
		case Conflict:
			if rep != nil {
				rep.Duplicate(false, fmt.Sprintf("%s kept from %s, dropped row %d of %s",
					KeyOf(r), prev.UnitKey, r.Ordinal, r.Unit.Key()))
			}
		}
	}
	return out
}

func entryOf(r clean.CleanedRow) Entry {
	return Entry{Key: KeyOf(r), Fingerprint: r.Fingerprint, UnitKey: r.Unit.Key()}
}

// Admit commits keys once their rows are durably loaded.
func (x *Index) Admit(rows []clean.CleanedRow) {
	if len(rows) == 0 {
		return
	}
	p := x.part(rows[0].Unit.Table())
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range rows {
		k := KeyOf(r)
		if _, ok := p.keys[k]; !ok {
			p.keys[k] = entryOf(r)
		}
	}
}

// Forget drops the keys a unit contributed, so a reset unit can load again.
func (x *Index) Forget(u almanac.ScrapeUnit) {
	p := x.part(u.Table())
	p.mu.Lock()
	defer p.mu.Unlock()
	key := u.Key()
	for k, e := range p.keys {
		if e.UnitKey == key {
			delete(p.keys, k)
		}
	}
}

// ForgetTable discards a whole partition, used before a table rebuild.
func (x *Index) ForgetTable(table string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.parts, table)
}

func (x *Index) Len(table string) int {
	p := x.part(table)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
