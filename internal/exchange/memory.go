package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/xtrntr/brokerage/internal/models"
	"github.com/xtrntr/brokerage/internal/money"
)

// MutationKind names one kind of state change recorded by a Snapshot.
type MutationKind string

const (
	MutOrderCreate   MutationKind = "order.create"
	MutOrderUpdate   MutationKind = "order.update"
	MutAccountDebit  MutationKind = "account.debit"
	MutAccountCredit MutationKind = "account.credit"
	MutHoldingAdjust MutationKind = "holding.adjust"
	MutTradeCreate   MutationKind = "trade.create"
	MutLastPrice     MutationKind = "security.last_price"
)

// Mutation is one recorded state change. ID is the order, account, trade or
// security id depending on Kind.
type Mutation struct {
	Kind       MutationKind
	ID         int
	UserID     int
	SecurityID int
	Amount     money.Cents
	Quantity   int64
}

// bookEntry is a resting order keyed by price-time priority.
type bookEntry struct {
	price     money.Cents
	createdAt time.Time
	id        int
	order     *models.Order
}

// bidLess orders bids by price descending, then created_at ascending, then
// id ascending, so Min() is the best bid.
func bidLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price > b.price
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

// askLess orders asks by price ascending, then created_at, then id.
func askLess(a, b bookEntry) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

type book struct {
	bids *btree.BTreeG[bookEntry]
	asks *btree.BTreeG[bookEntry]
}

func newBook() *book {
	const degree = 32
	return &book{
		bids: btree.NewG[bookEntry](degree, bidLess),
		asks: btree.NewG[bookEntry](degree, askLess),
	}
}

func (b *book) side(s models.Side) *btree.BTreeG[bookEntry] {
	if s == models.SideBuy {
		return b.bids
	}
	return b.asks
}

func entryFor(o *models.Order) bookEntry {
	return bookEntry{price: o.LimitPriceCents, createdAt: o.CreatedAt, id: o.ID, order: o}
}

type holdingKey struct {
	userID     int
	securityID int
}

// Snapshot is an in-memory copy of order, holding, account and security
// state. It implements UnitOfWork and records every change it applies, so
// the engine can be exercised without a database.
type Snapshot struct {
	securities map[int]*models.Security
	symbols    map[string]int
	accounts   map[int]*models.Account
	holdings   map[holdingKey]int64
	orders     map[int]*models.Order
	trades     []models.Trade
	books      map[int]*book

	lastID    int
	clock     time.Time
	mutations []Mutation
}

var _ UnitOfWork = (*Snapshot)(nil)

var snapshotEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		securities: make(map[int]*models.Security),
		symbols:    make(map[string]int),
		accounts:   make(map[int]*models.Account),
		holdings:   make(map[holdingKey]int64),
		orders:     make(map[int]*models.Order),
		books:      make(map[int]*book),
		clock:      snapshotEpoch,
	}
}

// now advances a logical clock so creation times are strictly increasing.
func (s *Snapshot) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Snapshot) nextID() int {
	s.lastID++
	return s.lastID
}

func (s *Snapshot) record(m Mutation) {
	s.mutations = append(s.mutations, m)
}

func (s *Snapshot) bookFor(securityID int) *book {
	b, ok := s.books[securityID]
	if !ok {
		b = newBook()
		s.books[securityID] = b
	}
	return b
}

// AddSecurity registers a security.
func (s *Snapshot) AddSecurity(symbol, name string, tradable bool) models.Security {
	sec := &models.Security{ID: s.nextID(), Symbol: symbol, Name: name, Tradable: tradable}
	s.securities[sec.ID] = sec
	s.symbols[symbol] = sec.ID
	return *sec
}

// SetTradable flips a security's tradability flag.
func (s *Snapshot) SetTradable(securityID int, tradable bool) {
	if sec, ok := s.securities[securityID]; ok {
		sec.Tradable = tradable
	}
}

// AddAccount opens an active account for userID holding balance.
func (s *Snapshot) AddAccount(userID int, kind string, balance money.Cents) models.Account {
	a := &models.Account{
		ID:        s.nextID(),
		UserID:    userID,
		Kind:      kind,
		Status:    models.AccountActive,
		Balance:   balance.Major(),
		CreatedAt: s.now(),
	}
	s.accounts[a.ID] = a
	return *a
}

// SetAccountStatus changes an account's status.
func (s *Snapshot) SetAccountStatus(accountID int, status string) {
	if a, ok := s.accounts[accountID]; ok {
		a.Status = status
	}
}

// SetHolding overwrites a holding quantity.
func (s *Snapshot) SetHolding(userID, securityID int, qty int64) {
	s.holdings[holdingKey{userID, securityID}] = qty
}

// SeedOrder stores an order as-is, bypassing admission. It is used to load
// orders that already exist, including ones admitted before fees were
// charged up front.
func (s *Snapshot) SeedOrder(o models.Order) models.Order {
	stored := o
	stored.ID = s.nextID()
	stored.CreatedAt = s.now()
	if sec, ok := s.securities[stored.SecurityID]; ok && stored.Symbol == "" {
		stored.Symbol = sec.Symbol
	}
	s.orders[stored.ID] = &stored
	if stored.Status.Resting() {
		s.bookFor(stored.SecurityID).side(stored.Side).ReplaceOrInsert(entryFor(&stored))
	}
	return stored
}

// Balance returns an account balance in cents, 0 for an unknown account.
// It panics if the stored balance is not representable in cents.
func (s *Snapshot) Balance(accountID int) money.Cents {
	a, ok := s.accounts[accountID]
	if !ok {
		return 0
	}
	c, err := money.FromMajor(a.Balance)
	if err != nil {
		panic(fmt.Sprintf("exchange: account %d balance %s: %v", accountID, a.Balance, err))
	}
	return c
}

// Holding returns the quantity userID holds of securityID.
func (s *Snapshot) Holding(userID, securityID int) int64 {
	return s.holdings[holdingKey{userID, securityID}]
}

// Order returns a copy of the order with the given id.
func (s *Snapshot) Order(id int) (models.Order, bool) {
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// Orders returns copies of all orders in id order.
func (s *Snapshot) Orders() []models.Order {
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Security returns a copy of the security with the given id.
func (s *Snapshot) Security(id int) (models.Security, bool) {
	sec, ok := s.securities[id]
	if !ok {
		return models.Security{}, false
	}
	return *sec, true
}

// Trades returns all recorded trades in execution order.
func (s *Snapshot) Trades() []models.Trade {
	return append([]models.Trade(nil), s.trades...)
}

// Mutations returns the changes applied since the snapshot was created or
// cloned.
func (s *Snapshot) Mutations() []Mutation {
	return append([]Mutation(nil), s.mutations...)
}

// Resting returns one side of a security's book in priority order.
func (s *Snapshot) Resting(securityID int, side models.Side) []models.Order {
	var out []models.Order
	b, ok := s.books[securityID]
	if !ok {
		return out
	}
	b.side(side).Ascend(func(e bookEntry) bool {
		out = append(out, *e.order)
		return true
	})
	return out
}

// Clone deep-copies the snapshot. The clone starts with an empty mutation
// list.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	c.lastID = s.lastID
	c.clock = s.clock
	for id, sec := range s.securities {
		cp := *sec
		c.securities[id] = &cp
	}
	for sym, id := range s.symbols {
		c.symbols[sym] = id
	}
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for k, q := range s.holdings {
		c.holdings[k] = q
	}
	for id, o := range s.orders {
		cp := *o
		c.orders[id] = &cp
		if cp.Status.Resting() {
			c.bookFor(cp.SecurityID).side(cp.Side).ReplaceOrInsert(entryFor(c.orders[id]))
		}
	}
	c.trades = append(c.trades, s.trades...)
	return c
}

// SecurityBySymbol implements UnitOfWork.
func (s *Snapshot) SecurityBySymbol(_ context.Context, symbol string) (*models.Security, error) {
	id, ok := s.symbols[symbol]
	if !ok {
		return nil, ErrUnknownSecurity
	}
	cp := *s.securities[id]
	return &cp, nil
}

// PrimaryAccount implements UnitOfWork.
func (s *Snapshot) PrimaryAccount(_ context.Context, userID int) (*models.Account, error) {
	var owned []models.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			owned = append(owned, *a)
		}
	}
	a, ok := PrimaryAccount(owned)
	if !ok {
		return nil, ErrNoActiveAccount
	}
	return &a, nil
}

// DebitAccount implements UnitOfWork.
func (s *Snapshot) DebitAccount(_ context.Context, accountID int, amount money.Cents) error {
	if amount < 0 {
		return fmt.Errorf("account %d: negative debit %s", accountID, amount)
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d not found", accountID)
	}
	next := a.Balance.Sub(amount.Major())
	if next.IsNegative() {
		return fmt.Errorf("account %d: balance would go negative", accountID)
	}
	a.Balance = next
	s.record(Mutation{Kind: MutAccountDebit, ID: accountID, UserID: a.UserID, Amount: amount})
	return nil
}

// CreditAccount implements UnitOfWork.
func (s *Snapshot) CreditAccount(_ context.Context, accountID int, amount money.Cents) error {
	if amount < 0 {
		return fmt.Errorf("account %d: negative credit %s", accountID, amount)
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d not found", accountID)
	}
	a.Balance = a.Balance.Add(amount.Major())
	s.record(Mutation{Kind: MutAccountCredit, ID: accountID, UserID: a.UserID, Amount: amount})
	return nil
}

// HoldingQuantity implements UnitOfWork.
func (s *Snapshot) HoldingQuantity(_ context.Context, userID, securityID int) (int64, error) {
	return s.holdings[holdingKey{userID, securityID}], nil
}

// AdjustHolding implements UnitOfWork.
func (s *Snapshot) AdjustHolding(_ context.Context, userID, securityID int, delta int64) error {
	k := holdingKey{userID, securityID}
	next := s.holdings[k] + delta
	if next < 0 {
		return fmt.Errorf("holding of user %d in security %d would go negative", userID, securityID)
	}
	s.holdings[k] = next
	s.record(Mutation{Kind: MutHoldingAdjust, UserID: userID, SecurityID: securityID, Quantity: delta})
	return nil
}

// CreateOrder implements UnitOfWork.
func (s *Snapshot) CreateOrder(_ context.Context, order *models.Order) error {
	order.ID = s.nextID()
	order.CreatedAt = s.now()
	stored := *order
	s.orders[stored.ID] = &stored
	if stored.Status.Resting() {
		s.bookFor(stored.SecurityID).side(stored.Side).ReplaceOrInsert(entryFor(&stored))
	}
	s.record(Mutation{Kind: MutOrderCreate, ID: stored.ID, UserID: stored.UserID, SecurityID: stored.SecurityID, Quantity: stored.Quantity})
	return nil
}

// BestCounterparty implements UnitOfWork.
func (s *Snapshot) BestCounterparty(_ context.Context, incoming *models.Order) (*models.Order, error) {
	b, ok := s.books[incoming.SecurityID]
	if !ok {
		return nil, nil
	}
	best, found := b.side(incoming.Side.Opposite()).Min()
	if !found || !incoming.Crosses(best.order) {
		return nil, nil
	}
	cp := *best.order
	return &cp, nil
}

// UpdateOrder implements UnitOfWork.
func (s *Snapshot) UpdateOrder(_ context.Context, order *models.Order) error {
	stored, ok := s.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %d not found", order.ID)
	}
	if order.RemainingQuantity < 0 || order.RemainingQuantity > stored.RemainingQuantity {
		return fmt.Errorf("order %d: remaining quantity %d out of range", order.ID, order.RemainingQuantity)
	}
	delta := stored.RemainingQuantity - order.RemainingQuantity
	wasResting := stored.Status.Resting()
	entry := entryFor(stored)
	*stored = *order
	if wasResting && !stored.Status.Resting() {
		s.bookFor(stored.SecurityID).side(stored.Side).Delete(entry)
	}
	s.record(Mutation{Kind: MutOrderUpdate, ID: stored.ID, UserID: stored.UserID, SecurityID: stored.SecurityID, Quantity: delta})
	return nil
}

// CreateTrade implements UnitOfWork.
func (s *Snapshot) CreateTrade(_ context.Context, trade *models.Trade) error {
	trade.ID = s.nextID()
	trade.ExecutedAt = s.now()
	s.trades = append(s.trades, *trade)
	s.record(Mutation{Kind: MutTradeCreate, ID: trade.ID, SecurityID: trade.SecurityID, Amount: trade.PriceCents, Quantity: trade.Quantity})
	return nil
}

// SetLastPrice implements UnitOfWork.
func (s *Snapshot) SetLastPrice(_ context.Context, securityID int, price money.Cents) error {
	sec, ok := s.securities[securityID]
	if !ok {
		return fmt.Errorf("security %d not found", securityID)
	}
	sec.LastPriceCents = price
	s.record(Mutation{Kind: MutLastPrice, ID: securityID, SecurityID: securityID, Amount: price})
	return nil
}

// Memory runs units of work against a snapshot one at a time. A unit that
// returns an error leaves the committed snapshot untouched.
type Memory struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewMemory wraps snap.
func NewMemory(snap *Snapshot) *Memory {
	return &Memory{snap: snap}
}

// InTx runs fn against a private copy of the state and commits the copy
// only if fn succeeds.
func (m *Memory) InTx(ctx context.Context, fn func(*Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.snap.Clone()
	if err := fn(work); err != nil {
		return err
	}
	m.snap = work
	return nil
}

// RunUnit is InTx for callers that only need the UnitOfWork view.
func (m *Memory) RunUnit(ctx context.Context, fn func(UnitOfWork) error) error {
	return m.InTx(ctx, func(s *Snapshot) error { return fn(s) })
}

// View calls fn with the committed snapshot.
func (m *Memory) View(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.snap)
}
