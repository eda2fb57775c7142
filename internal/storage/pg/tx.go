package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"

	"circulation/internal/models"
	"circulation/internal/storage"
)

const (
	userColumns = `id, name, email, role, fine_balance, total_fines_paid`
	bookColumns = `id, isbn, title, author, quantity, availability`

	borrowColumns = `id, user_id, user_name, user_email, book_id, borrow_date, due_date, return_date,
		fine, fine_paid, payment_method, paid_at, renewal_count, renewed_at, created_at`

	reservationColumns = `id, seq, user_id, user_name, user_email, book_id, reservation_date,
		expiry_date, status, notified, created_at`

	settlementColumns = `id, user_id, borrow_id, method, amount, fine_balance, total_fines_paid, settled_at`
)

var (
	borrowCols = []interface{}{
		"id", "user_id", "user_name", "user_email", "book_id", "borrow_date", "due_date", "return_date",
		"fine", "fine_paid", "payment_method", "paid_at", "renewal_count", "renewed_at", "created_at",
	}
	reservationCols = []interface{}{
		"id", "seq", "user_id", "user_name", "user_email", "book_id", "reservation_date",
		"expiry_date", "status", "notified", "created_at",
	}
)

type scanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	tx pgx.Tx
}

// User operations

func scanUser(row scanner) (models.User, error) {
	var u models.User
	var role string
	var balance, paid int64
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &balance, &paid); err != nil {
		return models.User{}, mapError(err)
	}
	u.Role = models.Role(role)
	u.FineBalance = models.Money(balance)
	u.TotalFinesPaid = models.Money(paid)
	return u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (t *pgTx) PutUser(ctx context.Context, user models.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			fine_balance = EXCLUDED.fine_balance,
			total_fines_paid = EXCLUDED.total_fines_paid`,
		user.ID, user.Name, user.Email, string(user.Role), int64(user.FineBalance), int64(user.TotalFinesPaid))
	if err != nil {
		return mapError(fmt.Errorf("failed to put user: %w", err))
	}
	return nil
}

func (t *pgTx) AdjustFineBalance(ctx context.Context, userID string, delta models.Money) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `
		UPDATE users SET fine_balance = GREATEST(fine_balance + $2, 0)
		WHERE id = $1
		RETURNING `+userColumns, userID, int64(delta)))
}

func (t *pgTx) SetFineBalance(ctx context.Context, userID string, balance models.Money) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET fine_balance = $2 WHERE id = $1`, userID, int64(balance))
	if err != nil {
		return fmt.Errorf("failed to set fine balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) ApplyPayment(ctx context.Context, userID string, amount models.Money) (models.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `
		UPDATE users SET
			fine_balance = GREATEST(fine_balance - $2, 0),
			total_fines_paid = total_fines_paid + $2
		WHERE id = $1
		RETURNING `+userColumns, userID, int64(amount)))
}

func (t *pgTx) ListFineCandidates(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM users WHERE fine_balance <> 0
		UNION
		SELECT user_id FROM borrow_records WHERE fine > 0 AND NOT fine_paid
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fine candidates: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *pgTx) SumUnpaidFines(ctx context.Context, userID string) (models.Money, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(fine), 0)::BIGINT FROM borrow_records
		WHERE user_id = $1 AND NOT fine_paid`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unpaid fines: %w", err)
	}
	return models.Money(sum), nil
}

// Book operations

func scanBook(row scanner) (models.Book, error) {
	var b models.Book
	if err := row.Scan(&b.ID, &b.ISBN, &b.Title, &b.Author, &b.Quantity, &b.Availability); err != nil {
		return models.Book{}, mapError(err)
	}
	return b, nil
}

func (t *pgTx) GetBook(ctx context.Context, id string) (models.Book, error) {
	return scanBook(t.tx.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
}

func (t *pgTx) GetBookByISBN(ctx context.Context, isbn string) (models.Book, error) {
	return scanBook(t.tx.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE isbn = $1`, isbn))
}

func (t *pgTx) PutBook(ctx context.Context, book models.Book) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO books (`+bookColumns+`) VALUES ($1, $2, $3, $4, $5, $5 > 0)
		ON CONFLICT (id) DO UPDATE SET
			isbn = EXCLUDED.isbn,
			title = EXCLUDED.title,
			author = EXCLUDED.author,
			quantity = EXCLUDED.quantity,
			availability = EXCLUDED.availability`,
		book.ID, book.ISBN, book.Title, book.Author, book.Quantity)
	if err != nil {
		return mapError(fmt.Errorf("failed to put book: %w", err))
	}
	return nil
}

func (t *pgTx) bookExists(ctx context.Context, bookID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, bookID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check book: %w", err)
	}
	return exists, nil
}

func (t *pgTx) LockBook(ctx context.Context, bookID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, bookID); err != nil {
		return fmt.Errorf("failed to lock book: %w", err)
	}
	exists, err := t.bookExists(ctx, bookID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) TakeCopy(ctx context.Context, bookID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE books SET quantity = quantity - 1, availability = quantity - 1 > 0
		WHERE id = $1 AND quantity > 0`, bookID)
	if err != nil {
		return false, fmt.Errorf("failed to take copy: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	exists, err := t.bookExists(ctx, bookID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (t *pgTx) ReturnCopies(ctx context.Context, bookID string, n int) (models.Book, error) {
	return scanBook(t.tx.QueryRow(ctx, `
		UPDATE books SET quantity = quantity + $2, availability = quantity + $2 > 0
		WHERE id = $1
		RETURNING `+bookColumns, bookID, n))
}

// Borrow record operations

func scanBorrow(row scanner) (models.BorrowRecord, error) {
	var r models.BorrowRecord
	var fine int64
	err := row.Scan(
		&r.ID, &r.User.ID, &r.User.Name, &r.User.Email, &r.BookID,
		&r.BorrowDate, &r.DueDate, &r.ReturnDate,
		&fine, &r.FinePaid, &r.PaymentMethod, &r.PaidAt,
		&r.RenewalCount, &r.RenewedAt, &r.CreatedAt,
	)
	if err != nil {
		return models.BorrowRecord{}, mapError(err)
	}
	r.Fine = models.Money(fine)
	return r, nil
}

func (t *pgTx) queryBorrows(ctx context.Context, query string, args ...any) ([]models.BorrowRecord, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query borrow records: %w", err)
	}
	defer rows.Close()

	var records []models.BorrowRecord
	for rows.Next() {
		rec, err := scanBorrow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan borrow record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating borrow records: %w", err)
	}
	return records, nil
}

func (t *pgTx) InsertBorrow(ctx context.Context, rec models.BorrowRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO borrow_records (`+borrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.User.ID, rec.User.Name, rec.User.Email, rec.BookID,
		rec.BorrowDate, rec.DueDate, rec.ReturnDate,
		int64(rec.Fine), rec.FinePaid, rec.PaymentMethod, rec.PaidAt,
		rec.RenewalCount, rec.RenewedAt, rec.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert borrow record: %w", err))
	}
	return nil
}

func (t *pgTx) GetBorrow(ctx context.Context, id string) (models.BorrowRecord, error) {
	return scanBorrow(t.tx.QueryRow(ctx, `SELECT `+borrowColumns+` FROM borrow_records WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateBorrow(ctx context.Context, rec models.BorrowRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE borrow_records SET
			due_date = $2, return_date = $3, fine = $4, fine_paid = $5,
			payment_method = $6, paid_at = $7, renewal_count = $8, renewed_at = $9
		WHERE id = $1`,
		rec.ID, rec.DueDate, rec.ReturnDate, int64(rec.Fine), rec.FinePaid,
		rec.PaymentMethod, rec.PaidAt, rec.RenewalCount, rec.RenewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update borrow record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) FindActiveBorrow(ctx context.Context, userID, bookID string) (models.BorrowRecord, error) {
	return scanBorrow(t.tx.QueryRow(ctx, `
		SELECT `+borrowColumns+` FROM borrow_records
		WHERE user_id = $1 AND book_id = $2 AND return_date IS NULL`, userID, bookID))
}

func (t *pgTx) ListActiveBorrowsByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error) {
	return t.queryBorrows(ctx, `
		SELECT `+borrowColumns+` FROM borrow_records
		WHERE user_id = $1 AND return_date IS NULL
		ORDER BY borrow_date, id
		FOR UPDATE`, userID)
}

func (t *pgTx) ListUnpaidFinesByUser(ctx context.Context, userID string) ([]models.BorrowRecord, error) {
	return t.queryBorrows(ctx, `
		SELECT `+borrowColumns+` FROM borrow_records
		WHERE user_id = $1 AND fine > 0 AND NOT fine_paid
		ORDER BY borrow_date, id
		FOR UPDATE`, userID)
}

func (t *pgTx) ListOverdueBorrows(ctx context.Context, now time.Time) ([]models.BorrowRecord, error) {
	query, args, err := build(dialect.From("borrow_records").
		Prepared(true).
		Select(borrowCols...).
		Where(
			goqu.C("return_date").IsNull(),
			goqu.C("due_date").Lt(now),
		).
		Order(goqu.C("due_date").Asc(), goqu.C("id").Asc()))
	if err != nil {
		return nil, err
	}
	return t.queryBorrows(ctx, query, args...)
}

// Reservation operations

func scanReservation(row scanner) (models.Reservation, error) {
	var r models.Reservation
	var status string
	err := row.Scan(
		&r.ID, &r.Seq, &r.User.ID, &r.User.Name, &r.User.Email, &r.BookID,
		&r.ReservationDate, &r.ExpiryDate, &status, &r.Notified, &r.CreatedAt,
	)
	if err != nil {
		return models.Reservation{}, mapError(err)
	}
	r.Status = models.ReservationStatus(status)
	return r, nil
}

func (t *pgTx) queryReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var list []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		list = append(list, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservations: %w", err)
	}
	return list, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, res models.Reservation) (models.Reservation, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO reservations (id, user_id, user_name, user_email, book_id, reservation_date,
			expiry_date, status, notified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		res.ID, res.User.ID, res.User.Name, res.User.Email, res.BookID, res.ReservationDate,
		res.ExpiryDate, string(res.Status), res.Notified, res.CreatedAt,
	).Scan(&res.Seq)
	if err != nil {
		return models.Reservation{}, mapError(fmt.Errorf("failed to insert reservation: %w", err))
	}
	return res, nil
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateReservation(ctx context.Context, res models.Reservation) error {
	tag, err := t.tx.Exec(ctx, `UPDATE reservations SET status = $2, notified = $3 WHERE id = $1`,
		res.ID, string(res.Status), res.Notified)
	if err != nil {
		return mapError(fmt.Errorf("failed to update reservation: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) FindActiveReservation(ctx context.Context, userID, bookID string) (models.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE user_id = $1 AND book_id = $2 AND status = 'active'`, userID, bookID))
}

func (t *pgTx) ListActiveReservations(ctx context.Context, bookID string) ([]models.Reservation, error) {
	query, args, err := build(dialect.From("reservations").
		Prepared(true).
		Select(reservationCols...).
		Where(goqu.Ex{
			"book_id": bookID,
			"status":  string(models.ReservationActive),
		}).
		Order(goqu.C("reservation_date").Asc(), goqu.C("seq").Asc()).
		ForUpdate(goqu.Wait))
	if err != nil {
		return nil, err
	}
	return t.queryReservations(ctx, query, args...)
}

func (t *pgTx) HasActiveReservation(ctx context.Context, bookID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reservations WHERE book_id = $1 AND status = 'active')`,
		bookID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reservations: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error) {
	return t.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE user_id = $1
		ORDER BY reservation_date, seq`, userID)
}

func (t *pgTx) ExpireReservations(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	query, args, err := build(dialect.Update("reservations").
		Prepared(true).
		Set(goqu.Record{"status": string(models.ReservationExpired)}).
		Where(
			goqu.C("status").Eq(string(models.ReservationActive)),
			goqu.C("expiry_date").Lt(now),
		).
		Returning(reservationCols...))
	if err != nil {
		return nil, err
	}
	return t.queryReservations(ctx, query, args...)
}

// Settlement operations

func (t *pgTx) GetSettlement(ctx context.Context, id string) (models.Settlement, error) {
	var s models.Settlement
	var amount, balance, paid int64
	err := t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id).Scan(
		&s.ID, &s.UserID, &s.BorrowID, &s.Method, &amount, &balance, &paid, &s.SettledAt,
	)
	if err != nil {
		return models.Settlement{}, mapError(err)
	}
	s.Amount = models.Money(amount)
	s.FineBalance = models.Money(balance)
	s.TotalFinesPaid = models.Money(paid)
	return s, nil
}

func (t *pgTx) InsertSettlement(ctx context.Context, s models.Settlement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.BorrowID, s.Method,
		int64(s.Amount), int64(s.FineBalance), int64(s.TotalFinesPaid), s.SettledAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert settlement: %w", err))
	}
	return nil
}
