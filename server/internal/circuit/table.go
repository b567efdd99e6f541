// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"sync"

	"github.com/katzenpost/onion/core/channel"
)

// Table is the set of circuits passing through the router.  Circuit IDs
// are scoped to the upstream channel that created them, so two channels
// may use the same ID for unrelated circuits.
type Table struct {
	sync.RWMutex

	records    map[uint32]map[channel.Channel]*Record
	perChannel map[channel.Channel]int
	count      int
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		records:    make(map[uint32]map[channel.Channel]*Record),
		perChannel: make(map[channel.Channel]int),
	}
}

// Lookup returns the circuit with the given ID created over upstream.
func (t *Table) Lookup(upstream channel.Channel, circID uint32) (*Record, bool) {
	t.RLock()
	defer t.RUnlock()

	r, ok := t.records[circID][upstream]
	return r, ok
}

// Len returns the number of circuits.
func (t *Table) Len() int {
	t.RLock()
	defer t.RUnlock()

	return t.count
}

// owner returns a circuit with the given ID created over a channel other
// than ch.
func (t *Table) owner(circID uint32, ch channel.Channel) (*Record, bool) {
	t.RLock()
	defer t.RUnlock()

	for up, r := range t.records[circID] {
		if up != ch {
			return r, true
		}
	}
	return nil, false
}

func (t *Table) insert(r *Record, maxPerChannel int) error {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.records[r.circID][r.upstream]; ok {
		return ErrCircuitExists
	}
	if maxPerChannel > 0 && t.perChannel[r.upstream] >= maxPerChannel {
		return ErrTooManyCircuits
	}
	byChannel, ok := t.records[r.circID]
	if !ok {
		byChannel = make(map[channel.Channel]*Record)
		t.records[r.circID] = byChannel
	}
	byChannel[r.upstream] = r
	t.perChannel[r.upstream]++
	t.count++
	return nil
}

func (t *Table) remove(r *Record) {
	t.Lock()
	defer t.Unlock()

	byChannel := t.records[r.circID]
	if byChannel[r.upstream] != r {
		return
	}
	delete(byChannel, r.upstream)
	if len(byChannel) == 0 {
		delete(t.records, r.circID)
	}
	if t.perChannel[r.upstream]--; t.perChannel[r.upstream] <= 0 {
		delete(t.perChannel, r.upstream)
	}
	t.count--
}

func (t *Table) byUpstream(ch channel.Channel) []*Record {
	t.RLock()
	defer t.RUnlock()

	var rs []*Record
	for _, byChannel := range t.records {
		if r, ok := byChannel[ch]; ok {
			rs = append(rs, r)
		}
	}
	return rs
}

func (t *Table) all() []*Record {
	t.RLock()
	defer t.RUnlock()

	rs := make([]*Record, 0, t.count)
	for _, byChannel := range t.records {
		for _, r := range byChannel {
			rs = append(rs, r)
		}
	}
	return rs
}
