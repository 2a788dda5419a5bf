package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, params: testParams()}, mock
}

func TestCreateSaleSurfacesShiftLockFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM shifts`).WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := s.CreateSale(context.Background(), store.SaleRequest{
		ShiftID: "shf-1",
		Items:   []domain.CartLine{{ProductID: "prd-1", Qty: 1}},
	})
	if err == nil {
		t.Fatalf("expected error from failed shift lock")
	}
	if code := domain.CodeOf(err); code != domain.CodeInternal {
		t.Fatalf("infrastructure failure surfaced as %s, want %s", code, domain.CodeInternal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSaleMissingShiftIsNoActiveShiftConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM shifts`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.CreateSale(context.Background(), store.SaleRequest{
		ShiftID: "shf-gone",
		Items:   []domain.CartLine{{ProductID: "prd-1", Qty: 1}},
	})
	if code := domain.CodeOf(err); code != domain.CodeNoActiveShift {
		t.Fatalf("missing shift surfaced as %s, want %s", code, domain.CodeNoActiveShift)
	}
}

func TestInsertSaleRowRetriesOnInvoiceCollision(t *testing.T) {
	s, mock := newMockStore(t)

	free := sqlmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(free)
	mock.ExpectExec(`SAVEPOINT sale_insert`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sales`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT sale_insert`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`SAVEPOINT sale_insert`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sales`).WillReturnResult(sqlmock.NewResult(0, 1))

	sale := &domain.Sale{
		ID:            "sal-collision",
		ShiftID:       "shf-1",
		PaymentMethod: domain.PaymentCash,
		Status:        domain.SaleCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertSaleRow(context.Background(), s.db, sale); err != nil {
		t.Fatalf("insert sale: %v", err)
	}
	if sale.InvoiceNo == "" {
		t.Fatalf("invoice number not assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertSaleRowDoesNotRetryOtherErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`SAVEPOINT sale_insert`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sales`).WillReturnError(&pgconn.PgError{Code: "23503"})

	sale := &domain.Sale{
		ID:            "sal-fk",
		ShiftID:       "shf-1",
		PaymentMethod: domain.PaymentCash,
		Status:        domain.SaleCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	err := insertSaleRow(context.Background(), s.db, sale)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		t.Fatalf("expected foreign-key error to pass through, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
