package stubs

import (
	"context"
	"sort"
	"sync"
	"time"

	"circulation/internal/models"
	"circulation/internal/storage"
)

// state holds every table of the in-memory store
type state struct {
	users        map[string]models.User
	books        map[string]models.Book
	borrows      map[string]models.BorrowRecord
	reservations map[string]models.Reservation
	settlements  map[string]models.Settlement
	seq          int64
}

func newState() *state {
	return &state{
		users:        make(map[string]models.User),
		books:        make(map[string]models.Book),
		borrows:      make(map[string]models.BorrowRecord),
		reservations: make(map[string]models.Reservation),
		settlements:  make(map[string]models.Settlement),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.borrows {
		c.borrows[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	c.seq = s.seq
	return c
}

// MockDB is an in-memory implementation of the Storage interface.
// Transactions are fully serialized, so the per-book advisory lock is implicit.
type MockDB struct {
	mu sync.Mutex
	st *state
}

// NewMockDB creates a new mock database
func NewMockDB() *MockDB {
	return &MockDB{st: newState()}
}

// Initialize sets up default users and books for local runs
func (m *MockDB) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := []models.User{
		{ID: "alice", Name: "Alice", Email: "alice@library.test", Role: models.RoleMember},
		{ID: "bob", Name: "Bob", Email: "bob@library.test", Role: models.RoleMember},
		{ID: "carol", Name: "Carol", Email: "carol@library.test", Role: models.RoleMember},
		{ID: "desk", Name: "Front Desk", Email: "desk@library.test", Role: models.RoleAdmin},
	}
	for _, u := range users {
		if _, ok := m.st.users[u.ID]; !ok {
			m.st.users[u.ID] = u
		}
	}

	books := []models.Book{
		{ID: "dune", ISBN: "978-0441172719", Title: "Dune", Author: "Frank Herbert", Quantity: 2},
		{ID: "hobbit", ISBN: "978-0547928227", Title: "The Hobbit", Author: "J.R.R. Tolkien", Quantity: 1},
		{ID: "sicp", ISBN: "978-0262510875", Title: "Structure and Interpretation of Computer Programs", Author: "Abelson, Sussman", Quantity: 0},
	}
	for _, b := range books {
		if _, ok := m.st.books[b.ID]; !ok {
			b.Availability = b.Quantity > 0
			m.st.books[b.ID] = b
		}
	}

	return nil
}

// RunInTx runs fn with exclusive access and restores the previous state if fn fails
func (m *MockDB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	if err := fn(ctx, &mockTx{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Close does nothing for mock DB
func (m *MockDB) Close() error {
	return nil
}

type mockTx struct {
	st *state
}

func (t *mockTx) GetUser(ctx context.Context, id string) (models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (t *mockTx) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	for _, u := range t.st.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (t *mockTx) PutUser(ctx context.Context, user models.User) error {
	t.st.users[user.ID] = user
	return nil
}

func (t *mockTx) AdjustFineBalance(ctx context.Context, userID string, delta models.Money) (models.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	u.FineBalance += delta
	if u.FineBalance < 0 {
		u.FineBalance = 0
	}
	t.st.users[userID] = u
	return u, nil
}

func (t *mockTx) SetFineBalance(ctx context.Context, userID string, balance models.Money) error {
	u, ok := t.st.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.FineBalance = balance
	t.st.users[userID] = u
	return nil
}

func (t *mockTx) ApplyPayment(ctx context.Context, userID string, amount models.Money) (models.User, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	u.FineBalance -= amount
	if u.FineBalance < 0 {
		u.FineBalance = 0
	}
	u.TotalFinesPaid += amount
	t.st.users[userID] = u
	return u, nil
}

func (t *mockTx) ListFineCandidates(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, u := range t.st.users {
		if u.FineBalance != 0 {
			seen[u.ID] = true
		}
	}
	for _, r := range t.st.borrows {
		if r.Fine > 0 && !r.FinePaid {
			seen[r.User.ID] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *mockTx) SumUnpaidFines(ctx context.Context, userID string) (models.Money, error) {
	var sum models.Money
	for _, r := range t.st.borrows {
		if r.User.ID == userID && !r.FinePaid {
			sum += r.Fine
		}
	}
	return sum, nil
}

func (t *mockTx) GetBook(ctx context.Context, id string) (models.Book, error) {
	b, ok := t.st.books[id]
	if !ok {
		return models.Book{}, storage.ErrNotFound
	}
	return b, nil
}

func (t *mockTx) GetBookByISBN(ctx context.Context, isbn string) (models.Book, error) {
	for _, b := range t.st.books {
		if b.ISBN == isbn {
			return b, nil
		}
	}
	return models.Book{}, storage.ErrNotFound
}

func (t *mockTx) PutBook(ctx context.Context, book models.Book) error {
	book.Availability = book.Quantity > 0
	t.st.books[book.ID] = book
	return nil
}

// LockBook is a no-op: RunInTx already holds the store-wide lock
func (t *mockTx) LockBook(ctx context.Context, bookID string) error {
	if _, ok := t.st.books[bookID]; !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (t *mockTx) TakeCopy(ctx context.Context, bookID string) (bool, error) {
	b, ok := t.st.books[bookID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if b.Quantity <= 0 {
		return false, nil
	}
	b.Quantity--
	b.Availability = b.Quantity > 0
	t.st.books[bookID] = b
	return true, nil
}

func (t *mockTx) ReturnCopies(ctx context.Context, bookID string, n int) (models.Book, error) {
	b, ok := t.st.books[bookID]
	if !ok {
		return models.Book{}, storage.ErrNotFound
	}
	b.Quantity += n
	b.Availability = b.Quantity > 0
	t.st.books[bookID] = b
	return b, nil
}

func (t *mockTx) InsertBorrow(ctx context.Context, rec models.BorrowRecord) error {
	if _, ok := t.st.borrows[rec.ID]; ok {
		return storage.ErrDuplicate
	}
	if rec.IsActive() {
		for _, r := range t.st.borrows {
			if r.IsActive() && r.User.ID == rec.User.ID && r.BookID == rec.BookID {
				return storage.ErrDuplicate
			}
		}
	}
	t.st.borrows[rec.ID] = rec
	return nil
}

func (t *mockTx) GetBorrow(ctx context.Context, id string) (models.BorrowRecord, error) {
	r, ok := t.st.borrows[id]
	if !ok {
		return models.BorrowRecord{}, storage.ErrNotFound
	}
	return r, nil
}

func (t *mockTx) UpdateBorrow(ctx context.Context, rec models.BorrowRecord) error {
	if _, ok := t.st.borrows[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	t.st.borrows[rec.ID] = rec
	return nil
}

func (t *mockTx) FindActiveBorrow(ctx context.Context, userID, bookID string) (models.BorrowRecord, error) {
	for _, r := range t.st.borrows {
		if r.IsActive() && r.User.ID == userID && r.BookID == bookID {
			return r, nil
		}
	}
	return models.BorrowRecord{}, storage.ErrNotFound
}

func (t *mockTx) ListActiveBorrowsByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error) {
	return t.borrowsWhere(func(r models.BorrowRecord) bool {
		return r.IsActive() && r.User.ID == userID
	}), nil
}

func (t *mockTx) ListUnpaidFinesByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error) {
	return t.borrowsWhere(func(r models.BorrowRecord) bool {
		return r.User.ID == userID && r.Fine > 0 && !r.FinePaid
	}), nil
}

func (t *mockTx) ListOverdueBorrows(ctx context.Context, now time.Time) ([]models.BorrowRecord, error) {
	records := t.borrowsWhere(func(r models.BorrowRecord) bool {
		return r.IsActive() && r.DueDate.Before(now)
	})
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DueDate.Before(records[j].DueDate)
	})
	return records, nil
}

// borrowsWhere returns matching records sorted by borrow date
func (t *mockTx) borrowsWhere(match func(models.BorrowRecord) bool) []models.BorrowRecord {
	var records []models.BorrowRecord
	for _, r := range t.st.borrows {
		if match(r) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].BorrowDate.Equal(records[j].BorrowDate) {
			return records[i].BorrowDate.Before(records[j].BorrowDate)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func (t *mockTx) InsertReservation(ctx context.Context, res models.Reservation) (models.Reservation, error) {
	if _, ok := t.st.reservations[res.ID]; ok {
		return models.Reservation{}, storage.ErrDuplicate
	}
	if res.Status == models.ReservationActive {
		for _, r := range t.st.reservations {
			if r.Status == models.ReservationActive && r.User.ID == res.User.ID && r.BookID == res.BookID {
				return models.Reservation{}, storage.ErrDuplicate
			}
		}
	}
	t.st.seq++
	res.Seq = t.st.seq
	t.st.reservations[res.ID] = res
	return res, nil
}

func (t *mockTx) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return models.Reservation{}, storage.ErrNotFound
	}
	return r, nil
}

func (t *mockTx) UpdateReservation(ctx context.Context, res models.Reservation) error {
	if _, ok := t.st.reservations[res.ID]; !ok {
		return storage.ErrNotFound
	}
	t.st.reservations[res.ID] = res
	return nil
}

func (t *mockTx) FindActiveReservation(ctx context.Context, userID, bookID string) (models.Reservation, error) {
	for _, r := range t.st.reservations {
		if r.Status == models.ReservationActive && r.User.ID == userID && r.BookID == bookID {
			return r, nil
		}
	}
	return models.Reservation{}, storage.ErrNotFound
}

func (t *mockTx) ListActiveReservations(ctx context.Context, bookID string) ([]models.Reservation, error) {
	return t.reservationsWhere(func(r models.Reservation) bool {
		return r.Status == models.ReservationActive && r.BookID == bookID
	}), nil
}

func (t *mockTx) HasActiveReservation(ctx context.Context, bookID string) (bool, error) {
	for _, r := range t.st.reservations {
		if r.Status == models.ReservationActive && r.BookID == bookID {
			return true, nil
		}
	}
	return false, nil
}

func (t *mockTx) ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error) {
	return t.reservationsWhere(func(r models.Reservation) bool {
		return r.User.ID == userID
	}), nil
}

func (t *mockTx) ExpireReservations(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	expired := t.reservationsWhere(func(r models.Reservation) bool {
		return r.Status == models.ReservationActive && r.ExpiryDate.Before(now)
	})
	for i := range expired {
		expired[i].Status = models.ReservationExpired
		t.st.reservations[expired[i].ID] = expired[i]
	}
	return expired, nil
}

// reservationsWhere returns matching reservations in FCFS order
func (t *mockTx) reservationsWhere(match func(models.Reservation) bool) []models.Reservation {
	var list []models.Reservation
	for _, r := range t.st.reservations {
		if match(r) {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ReservationDate.Equal(list[j].ReservationDate) {
			return list[i].ReservationDate.Before(list[j].ReservationDate)
		}
		return list[i].Seq < list[j].Seq
	})
	return list
}

func (t *mockTx) GetSettlement(ctx context.Context, id string) (models.Settlement, error) {
	s, ok := t.st.settlements[id]
	if !ok {
		return models.Settlement{}, storage.ErrNotFound
	}
	return s, nil
}

func (t *mockTx) InsertSettlement(ctx context.Context, s models.Settlement) error {
	if _, ok := t.st.settlements[s.ID]; ok {
		return storage.ErrDuplicate
	}
	t.st.settlements[s.ID] = s
	return nil
}
