package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// MemorySeatRepository is an in-process SeatRepository for tests and local runs
type MemorySeatRepository struct {
	mu    sync.Mutex
	seats map[string]*domain.SeatRecord
}

// NewMemorySeatRepository creates an empty store
func NewMemorySeatRepository() *MemorySeatRepository {
	return &MemorySeatRepository{seats: make(map[string]*domain.SeatRecord)}
}

func seatKey(sessionID, seatID string) string { return sessionID + "/" + seatID }

func (r *MemorySeatRepository) Create(ctx context.Context, records ...*domain.SeatRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		k := seatKey(rec.SessionID, rec.SeatID)
		if _, ok := r.seats[k]; ok {
			return errors.New("seat already exists")
		}
		c := rec.Clone()
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now()
		}
		r.seats[k] = c
	}
	return nil
}

func (r *MemorySeatRepository) Get(ctx context.Context, sessionID, seatID string) (*domain.SeatRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.seats[seatKey(sessionID, seatID)]
	if !ok {
		return nil, domain.ErrSeatNotFound
	}
	return rec.Clone(), nil
}

func (r *MemorySeatRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.SeatRecord, error) {
	return r.filter(func(rec *domain.SeatRecord) bool { return rec.SessionID == sessionID }), nil
}

func (r *MemorySeatRepository) ListByOwner(ctx context.Context, orderToken string) ([]*domain.SeatRecord, error) {
	if orderToken == "" {
		return nil, nil
	}
	return r.filter(func(rec *domain.SeatRecord) bool { return rec.OwningOrder == orderToken }), nil
}

func (r *MemorySeatRepository) ListSessions(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range r.seats {
		if !seen[rec.SessionID] {
			seen[rec.SessionID] = true
			ids = append(ids, rec.SessionID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemorySeatRepository) filter(keep func(*domain.SeatRecord) bool) []*domain.SeatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SeatRecord
	for _, rec := range r.seats {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].SeatID < out[j].SeatID
	})
	return out
}

func (r *MemorySeatRepository) UpdateIfVersion(ctx context.Context, rec *domain.SeatRecord, expected int64) (*domain.SeatRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.seats[seatKey(rec.SessionID, rec.SeatID)]
	if !ok {
		return nil, domain.ErrSeatNotFound
	}
	if cur.Version != expected {
		return nil, domain.ErrVersionMismatch
	}
	cur.Sold = rec.Sold
	cur.Reserved = rec.Reserved
	cur.ExternallyLocked = rec.ExternallyLocked
	cur.ExternallySold = rec.ExternallySold
	cur.LockPushed = rec.LockPushed
	cur.OwningOrder = rec.OwningOrder
	cur.Version = expected + 1
	cur.UpdatedAt = time.Now()
	return cur.Clone(), nil
}

func (r *MemorySeatRepository) SetSnapshotIndexes(ctx context.Context, sessionID string, windows map[string][2]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for seatID, w := range windows {
		if rec, ok := r.seats[seatKey(sessionID, seatID)]; ok {
			rec.StartIndex, rec.EndIndex = w[0], w[1]
		}
	}
	return nil
}

// MemoryStockRepository is an in-process StockRepository
type MemoryStockRepository struct {
	mu       sync.Mutex
	counters map[string]*domain.StockCounter
}

// NewMemoryStockRepository creates an empty store
func NewMemoryStockRepository() *MemoryStockRepository {
	return &MemoryStockRepository{counters: make(map[string]*domain.StockCounter)}
}

func (r *MemoryStockRepository) Create(ctx context.Context, c *domain.StockCounter) error {
	if !c.Valid() {
		return domain.ErrInvalidQuantity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.counters[seatKey(c.SessionID, c.TierID)] = &cp
	return nil
}

func (r *MemoryStockRepository) Get(ctx context.Context, sessionID, tierID string) (*domain.StockCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[seatKey(sessionID, tierID)]
	if !ok {
		return nil, domain.ErrStockNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryStockRepository) Decrement(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[seatKey(sessionID, tierID)]
	if !ok {
		return nil, domain.ErrStockNotFound
	}
	if c.Available < qty {
		return nil, domain.ErrInsufficientStock
	}
	c.Available -= qty
	c.Version++
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (r *MemoryStockRepository) Increment(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[seatKey(sessionID, tierID)]
	if !ok {
		return nil, 0, domain.ErrStockNotFound
	}
	clamped := 0
	c.Available += qty
	if c.Available > c.Total {
		clamped = c.Available - c.Total
		c.Available = c.Total
	}
	c.Version++
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, clamped, nil
}

// MemorySeatCache is an in-process SeatCache. FailPuts makes Put fail, for
// exercising the dirty-key path.
type MemorySeatCache struct {
	mu       sync.Mutex
	views    map[string]map[string]*domain.SeatView
	dirty    map[string]map[string]struct{}
	loaded   map[string]bool
	FailPuts bool
	FailMark bool
}

// NewMemorySeatCache creates an empty cache
func NewMemorySeatCache() *MemorySeatCache {
	return &MemorySeatCache{
		views:  make(map[string]map[string]*domain.SeatView),
		dirty:  make(map[string]map[string]struct{}),
		loaded: make(map[string]bool),
	}
}

var errInjected = errors.New("injected cache failure")

func (c *MemorySeatCache) GetSeatMap(ctx context.Context, sessionID string) ([]*domain.SeatView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded[sessionID] {
		return nil, false, nil
	}
	m := c.views[sessionID]
	out := make([]*domain.SeatView, 0, len(m))
	for _, v := range m {
		cp := *v
		out = append(out, &cp)
	}
	sortViews(out)
	return out, true, nil
}

func (c *MemorySeatCache) GetSeat(ctx context.Context, sessionID, seatID string) (*domain.SeatView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[sessionID][seatID]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (c *MemorySeatCache) GetTierSeats(ctx context.Context, sessionID, tierID string) ([]*domain.SeatView, bool, error) {
	all, loaded, err := c.GetSeatMap(ctx, sessionID)
	if err != nil || !loaded {
		return nil, loaded, err
	}
	out := make([]*domain.SeatView, 0)
	for _, v := range all {
		if v.TierID == tierID {
			out = append(out, v)
		}
	}
	return out, true, nil
}

func (c *MemorySeatCache) Put(ctx context.Context, view *domain.SeatView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPuts {
		return errInjected
	}
	m, ok := c.views[view.SessionID]
	if !ok {
		m = make(map[string]*domain.SeatView)
		c.views[view.SessionID] = m
	}
	if cur, ok := m[view.SeatID]; ok && cur.Version > view.Version {
		return nil
	}
	cp := *view
	m[view.SeatID] = &cp
	delete(c.dirty[view.SessionID], view.SeatID)
	return nil
}

func (c *MemorySeatCache) Replace(ctx context.Context, sessionID string, views []*domain.SeatView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailPuts {
		return errInjected
	}
	m := make(map[string]*domain.SeatView, len(views))
	for _, v := range views {
		cp := *v
		m[v.SeatID] = &cp
	}
	c.views[sessionID] = m
	c.loaded[sessionID] = true
	delete(c.dirty, sessionID)
	return nil
}

func (c *MemorySeatCache) MarkDirty(ctx context.Context, sessionID, seatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailMark {
		return errInjected
	}
	d, ok := c.dirty[sessionID]
	if !ok {
		d = make(map[string]struct{})
		c.dirty[sessionID] = d
	}
	d[seatID] = struct{}{}
	return nil
}

func (c *MemorySeatCache) DirtySeats(ctx context.Context, sessionID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.dirty[sessionID]))
	for id := range c.dirty[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryLeaseRepository is an in-process LeaseRepository
type MemoryLeaseRepository struct {
	mu     sync.Mutex
	leases map[string]map[string]*domain.ReservationLease
}

// NewMemoryLeaseRepository creates an empty store
func NewMemoryLeaseRepository() *MemoryLeaseRepository {
	return &MemoryLeaseRepository{leases: make(map[string]map[string]*domain.ReservationLease)}
}

func (r *MemoryLeaseRepository) Put(ctx context.Context, leases ...*domain.ReservationLease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range leases {
		if l.OrderToken == "" {
			return domain.ErrInvalidOrderToken
		}
		m, ok := r.leases[l.OrderToken]
		if !ok {
			m = make(map[string]*domain.ReservationLease)
			r.leases[l.OrderToken] = m
		}
		cp := *l
		m[l.Field()] = &cp
	}
	return nil
}

func (r *MemoryLeaseRepository) ListByOrder(ctx context.Context, orderToken string) ([]*domain.ReservationLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ReservationLease, 0, len(r.leases[orderToken]))
	for _, l := range r.leases[orderToken] {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryLeaseRepository) Delete(ctx context.Context, orderToken string, fields ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.leases[orderToken]
	if len(fields) == 0 {
		n := len(m)
		delete(r.leases, orderToken)
		return n, nil
	}
	n := 0
	for _, f := range fields {
		if _, ok := m[f]; ok {
			delete(m, f)
			n++
		}
	}
	if len(m) == 0 {
		delete(r.leases, orderToken)
	}
	return n, nil
}

func (r *MemoryLeaseRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for order, m := range r.leases {
		for _, l := range m {
			if l.Expired(now) {
				out = append(out, order)
				break
			}
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemorySnapshotRepository is an in-process SnapshotRepository
type MemorySnapshotRepository struct {
	mu    sync.Mutex
	snaps map[string]*domain.ExternalSnapshot
}

// NewMemorySnapshotRepository creates an empty store
func NewMemorySnapshotRepository() *MemorySnapshotRepository {
	return &MemorySnapshotRepository{snaps: make(map[string]*domain.ExternalSnapshot)}
}

func (r *MemorySnapshotRepository) Get(ctx context.Context, sessionID string) (*domain.ExternalSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Bits = append([]byte(nil), s.Bits...)
	return &cp, nil
}

func (r *MemorySnapshotRepository) Save(ctx context.Context, snap *domain.ExternalSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *snap
	cp.Bits = append([]byte(nil), snap.Bits...)
	r.snaps[snap.SessionID] = &cp
	return nil
}

// UpdateFields follows the BITFIELD u3 #i layout: field i covers bits [3i, 3i+3),
// most significant bit first
func (r *MemorySnapshotRepository) UpdateFields(ctx context.Context, sessionID string, fields map[int]uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[sessionID]
	if !ok {
		s = &domain.ExternalSnapshot{SessionID: sessionID}
		r.snaps[sessionID] = s
	}
	for i, v := range fields {
		for b := 0; b < 3; b++ {
			bit := i*3 + b
			for len(s.Bits) <= bit/8 {
				s.Bits = append(s.Bits, 0)
			}
			mask := byte(0x80) >> (bit % 8)
			if v&(4>>b) != 0 {
				s.Bits[bit/8] |= mask
			} else {
				s.Bits[bit/8] &^= mask
			}
		}
	}
	return nil
}

func (r *MemorySnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snaps, sessionID)
	return nil
}

// MemoryBindingRepository is an in-process BindingRepository
type MemoryBindingRepository struct {
	mu       sync.Mutex
	bindings map[string]*domain.ExternalBinding
}

// NewMemoryBindingRepository creates an empty store
func NewMemoryBindingRepository() *MemoryBindingRepository {
	return &MemoryBindingRepository{bindings: make(map[string]*domain.ExternalBinding)}
}

func (r *MemoryBindingRepository) Upsert(ctx context.Context, b *domain.ExternalBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.bindings[b.SessionID] = &cp
	return nil
}

func (r *MemoryBindingRepository) GetBySession(ctx context.Context, sessionID string) (*domain.ExternalBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[sessionID]
	if !ok {
		return nil, domain.ErrBindingNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryBindingRepository) ListActive(ctx context.Context) ([]*domain.ExternalBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ExternalBinding
	for _, b := range r.bindings {
		if b.Active {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// MemoryRefundFlagRepository is an in-process RefundFlagRepository
type MemoryRefundFlagRepository struct {
	mu    sync.Mutex
	flags []*domain.RefundFlag
}

// NewMemoryRefundFlagRepository creates an empty store
func NewMemoryRefundFlagRepository() *MemoryRefundFlagRepository {
	return &MemoryRefundFlagRepository{}
}

func (r *MemoryRefundFlagRepository) Flag(ctx context.Context, f *domain.RefundFlag) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.flags {
		if existing.OrderToken == f.OrderToken && existing.SessionID == f.SessionID && existing.SeatID == f.SeatID {
			return false, nil
		}
	}
	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.flags = append(r.flags, &cp)
	return true, nil
}

func (r *MemoryRefundFlagRepository) ListByOrder(ctx context.Context, orderToken string) ([]*domain.RefundFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.RefundFlag
	for _, f := range r.flags {
		if f.OrderToken == orderToken {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

var (
	_ SeatRepository       = (*MemorySeatRepository)(nil)
	_ StockRepository      = (*MemoryStockRepository)(nil)
	_ SeatCache            = (*MemorySeatCache)(nil)
	_ LeaseRepository      = (*MemoryLeaseRepository)(nil)
	_ SnapshotRepository   = (*MemorySnapshotRepository)(nil)
	_ BindingRepository    = (*MemoryBindingRepository)(nil)
	_ RefundFlagRepository = (*MemoryRefundFlagRepository)(nil)

	_ SeatRepository       = (*PostgresSeatRepository)(nil)
	_ StockRepository      = (*PostgresStockRepository)(nil)
	_ BindingRepository    = (*PostgresBindingRepository)(nil)
	_ RefundFlagRepository = (*PostgresRefundFlagRepository)(nil)
	_ SeatCache            = (*RedisSeatCache)(nil)
	_ LeaseRepository      = (*RedisLeaseRepository)(nil)
	_ SnapshotRepository   = (*RedisSnapshotRepository)(nil)
)
