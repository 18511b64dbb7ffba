package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/moneymouth/battle-engine/internal/model"
)

const shardCount = 64

// battleSlot owns one battle. Writers serialize on mu; readers load the
// committed snapshot without taking the lock.
type battleSlot struct {
	mu   sync.Mutex
	snap atomic.Pointer[model.Battle]
}

// participantState is an immutable committed snapshot of one participant.
type participantState struct {
	balance      int64
	lastPledgeAt time.Time
	hasPledged   bool
	entries      []model.WalletEntry
}

type participantSlot struct {
	mu   sync.Mutex
	snap atomic.Pointer[participantState]
}

type battleShard struct {
	mu      sync.RWMutex
	battles map[string]*battleSlot
}

type participantShard struct {
	mu    sync.RWMutex
	slots map[string]*participantSlot
}

// MemoryStore implements Store with in-memory maps. Battles and participants
// are spread over xxhash-selected shards so unrelated aggregates never share
// a lock. Not durable: data is lost on restart.
type MemoryStore struct {
	battleShards      [shardCount]battleShard
	participantShards [shardCount]participantShard

	logMu   sync.RWMutex
	pledges []model.PledgeRecord

	outboxMu    sync.Mutex
	outbox      map[string]*model.SettlementEvent
	outboxOrder []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{outbox: make(map[string]*model.SettlementEvent)}
	for i := range s.battleShards {
		s.battleShards[i].battles = make(map[string]*battleSlot)
		s.participantShards[i].slots = make(map[string]*participantSlot)
	}
	return s
}

func shardIndex(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

func (s *MemoryStore) battleSlot(id string) (*battleSlot, bool) {
	sh := &s.battleShards[shardIndex(id)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	slot, ok := sh.battles[id]
	return slot, ok
}

func (s *MemoryStore) lookupParticipant(id string) (*participantSlot, bool) {
	sh := &s.participantShards[shardIndex(id)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	slot, ok := sh.slots[id]
	return slot, ok
}

func (s *MemoryStore) participantSlot(id string) *participantSlot {
	if slot, ok := s.lookupParticipant(id); ok {
		return slot
	}
	sh := &s.participantShards[shardIndex(id)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if slot, ok := sh.slots[id]; ok {
		return slot
	}
	slot := &participantSlot{}
	slot.snap.Store(&participantState{})
	sh.slots[id] = slot
	return slot
}

func (s *MemoryStore) CreateBattle(_ context.Context, b *model.Battle) error {
	sh := &s.battleShards[shardIndex(b.ID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.battles[b.ID]; ok {
		return fmt.Errorf("battle %s: %w", b.ID, model.ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	slot := &battleSlot{}
	slot.snap.Store(b.Clone())
	sh.battles[b.ID] = slot
	return nil
}

func (s *MemoryStore) GetBattle(_ context.Context, id string) (*model.Battle, error) {
	slot, ok := s.battleSlot(id)
	if !ok {
		return nil, fmt.Errorf("battle %s: %w", id, model.ErrNotFound)
	}
	return slot.snap.Load().Clone(), nil
}

func (s *MemoryStore) ListBattles(_ context.Context, statuses ...model.Status) ([]model.Battle, error) {
	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var battles []model.Battle
	for i := range s.battleShards {
		sh := &s.battleShards[i]
		sh.mu.RLock()
		for _, slot := range sh.battles {
			b := slot.snap.Load()
			if len(want) == 0 || want[b.Status] {
				battles = append(battles, *b.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	SortBattles(battles)
	return battles, nil
}

// SortBattles orders battles by expiry, then creation, then id, ascending.
func SortBattles(battles []model.Battle) {
	sort.Slice(battles, func(i, j int) bool {
		a, b := battles[i], battles[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// --- Transactions ---

type memWalletTx struct {
	participantID string
	base          *participantState
	balance       int64
	entries       []model.WalletEntry
}

func (tx *memWalletTx) ParticipantID() string { return tx.participantID }
func (tx *memWalletTx) Balance() int64        { return tx.balance }

func (tx *memWalletTx) AppendEntry(e model.WalletEntry) {
	tx.entries = append(tx.entries, e)
	tx.balance += e.Delta()
}

// next builds the participant snapshot that results from committing tx.
func (tx *memWalletTx) next() *participantState {
	n := *tx.base
	n.balance = tx.balance
	// Full slice expression forces a copy so the old snapshot stays intact.
	n.entries = append(tx.base.entries[:len(tx.base.entries):len(tx.base.entries)], tx.entries...)
	return &n
}

type memPledgeTx struct {
	memWalletTx
	battle    *model.Battle
	marked    bool
	markedAt  time.Time
	newPledge []model.PledgeRecord
}

func (tx *memPledgeTx) Battle() *model.Battle { return tx.battle }

func (tx *memPledgeTx) LastPledgeAt() (time.Time, bool) {
	if tx.marked {
		return tx.markedAt, true
	}
	return tx.base.lastPledgeAt, tx.base.hasPledged
}

func (tx *memPledgeTx) MarkPledged(at time.Time) {
	tx.marked = true
	tx.markedAt = at
}

func (tx *memPledgeTx) AppendPledge(rec model.PledgeRecord) {
	tx.newPledge = append(tx.newPledge, rec)
}

type memBattleTx struct {
	battle *model.Battle
	saved  bool
	events []model.SettlementEvent
}

func (tx *memBattleTx) Battle() *model.Battle { return tx.battle }
func (tx *memBattleTx) Save()                 { tx.saved = true }

func (tx *memBattleTx) AppendSettlementEvent(ev model.SettlementEvent) {
	tx.events = append(tx.events, ev)
}

func (s *MemoryStore) WithPledgeTx(ctx context.Context, battleID, participantID string, fn func(PledgeTx) error) error {
	bslot, ok := s.battleSlot(battleID)
	if !ok {
		return fmt.Errorf("battle %s: %w", battleID, model.ErrNotFound)
	}
	pslot := s.participantSlot(participantID)

	// Lock order: participant, then battle.
	pslot.mu.Lock()
	defer pslot.mu.Unlock()
	bslot.mu.Lock()
	defer bslot.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	base := pslot.snap.Load()
	tx := &memPledgeTx{
		memWalletTx: memWalletTx{participantID: participantID, base: base, balance: base.balance},
		battle:      bslot.snap.Load().Clone(),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit. Nothing below can fail.
	// Snapshots go first so a record visible in the pledge log is always
	// already counted in the battle it references.
	next := tx.next()
	if tx.marked {
		next.lastPledgeAt = tx.markedAt
		next.hasPledged = true
	}
	pslot.snap.Store(next)
	tx.battle.Version++
	bslot.snap.Store(tx.battle)
	if len(tx.newPledge) > 0 {
		s.logMu.Lock()
		s.pledges = append(s.pledges, tx.newPledge...)
		s.logMu.Unlock()
	}
	return nil
}

func (s *MemoryStore) WithBattleTx(ctx context.Context, battleID string, fn func(BattleTx) error) error {
	bslot, ok := s.battleSlot(battleID)
	if !ok {
		return fmt.Errorf("battle %s: %w", battleID, model.ErrNotFound)
	}

	bslot.mu.Lock()
	defer bslot.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memBattleTx{battle: bslot.snap.Load().Clone()}
	if err := fn(tx); err != nil {
		return err
	}

	if len(tx.events) > 0 {
		s.outboxMu.Lock()
		for i := range tx.events {
			ev := tx.events[i]
			if _, dup := s.outbox[ev.BattleID]; dup {
				continue
			}
			s.outbox[ev.BattleID] = &ev
			s.outboxOrder = append(s.outboxOrder, ev.BattleID)
		}
		s.outboxMu.Unlock()
	}
	if tx.saved {
		tx.battle.Version++
		bslot.snap.Store(tx.battle)
	}
	return nil
}

func (s *MemoryStore) WithWalletTx(ctx context.Context, participantID string, fn func(WalletTx) error) error {
	pslot := s.participantSlot(participantID)

	pslot.mu.Lock()
	defer pslot.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	base := pslot.snap.Load()
	tx := &memWalletTx{participantID: participantID, base: base, balance: base.balance}
	if err := fn(tx); err != nil {
		return err
	}
	pslot.snap.Store(tx.next())
	return nil
}

// --- Immutable logs ---

func (s *MemoryStore) GetPledgesByBattle(_ context.Context, battleID string) ([]model.PledgeRecord, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	var result []model.PledgeRecord
	for _, p := range s.pledges {
		if p.BattleID == battleID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPledgesByParticipant(_ context.Context, participantID string) ([]model.PledgeRecord, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	var result []model.PledgeRecord
	for _, p := range s.pledges {
		if p.ParticipantID == participantID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetWalletEntries(_ context.Context, participantID string) ([]model.WalletEntry, error) {
	slot, ok := s.lookupParticipant(participantID)
	if !ok {
		return nil, nil
	}
	entries := slot.snap.Load().entries
	return append([]model.WalletEntry(nil), entries...), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, participantID string) (int64, error) {
	slot, ok := s.lookupParticipant(participantID)
	if !ok {
		return 0, nil
	}
	return slot.snap.Load().balance, nil
}

func (s *MemoryStore) GetLastPledgeAt(_ context.Context, participantID string) (time.Time, bool, error) {
	slot, ok := s.lookupParticipant(participantID)
	if !ok {
		return time.Time{}, false, nil
	}
	st := slot.snap.Load()
	return st.lastPledgeAt, st.hasPledged, nil
}

// --- Settlement outbox ---

func (s *MemoryStore) PendingSettlementEvents(_ context.Context) ([]model.SettlementEvent, error) {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	var pending []model.SettlementEvent
	for _, id := range s.outboxOrder {
		ev := s.outbox[id]
		if ev.PublishedAt == nil {
			cp := *ev
			cp.Payouts = append([]model.Payout(nil), ev.Payouts...)
			cp.DeliveredTo = append([]string(nil), ev.DeliveredTo...)
			pending = append(pending, cp)
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkSettlementDelivered(_ context.Context, battleID, sink string) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	ev, ok := s.outbox[battleID]
	if !ok {
		return fmt.Errorf("settlement event %s: %w", battleID, model.ErrNotFound)
	}
	if !ev.Delivered(sink) {
		ev.DeliveredTo = append(ev.DeliveredTo, sink)
	}
	return nil
}

func (s *MemoryStore) MarkSettlementPublished(_ context.Context, battleID string, at time.Time) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	ev, ok := s.outbox[battleID]
	if !ok {
		return fmt.Errorf("settlement event %s: %w", battleID, model.ErrNotFound)
	}
	if ev.PublishedAt == nil {
		t := at
		ev.PublishedAt = &t
	}
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
