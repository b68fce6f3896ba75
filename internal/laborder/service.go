package laborder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"opd-emr/internal/platform/sqlite"
	"opd-emr/internal/shared"
)

// Reader runs single statements outside a transaction.
type Reader interface {
	QueryMany(ctx context.Context, query string, args ...any) ([]sqlite.Row, error)
	QueryOne(ctx context.Context, query string, args ...any) (sqlite.Row, bool, error)
}

// UnitRunner runs atomic units of work.
type UnitRunner interface {
	RunUnit(ctx context.Context, stmts []sqlite.Statement) (sqlite.UnitResult, error)
	WithinTx(ctx context.Context, fn func(ctx context.Context, exec *sqlite.Executor) error) error
}

// Service creates lab orders and serves the test catalogue.
type Service struct {
	db        Reader
	tx        UnitRunner
	log       *slog.Logger
	newNumber func() string
}

// NewService creates a Service. A nil logger falls back to slog.Default.
func NewService(db Reader, tx UnitRunner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, tx: tx, log: log, newNumber: newOrderNumber}
}

func newOrderNumber() string {
	return "LAB-" + strings.ToUpper(uuid.NewString())
}

const (
	insertOrderSQL = `INSERT INTO lab_orders
    (order_number, patient_ref, requester_ref, priority, status, clinical_notes, instructions, total_amount)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertItemSQL = `INSERT INTO lab_order_items
    (order_id, test_id, test_name, test_code, category, price, status)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectCreatedAtSQL = `SELECT created_at FROM lab_orders WHERE id = ?`

	selectOrderSQL = `SELECT id, order_number, patient_ref, requester_ref, priority, status,
       clinical_notes, instructions, total_amount, created_at
FROM lab_orders WHERE id = ?`

	selectItemsSQL = `SELECT id, test_id, test_name, test_code, category, price, status
FROM lab_order_items WHERE order_id = ? ORDER BY id`
)

// CreateOrder validates the input and stores the header with all items in one
// transaction. Either the whole order is visible afterwards or none of it is.
func (s *Service) CreateOrder(ctx context.Context, h Header, items []Item) (Order, error) {
	h = normalizeHeader(h)
	normalized := make([]Item, len(items))
	for i, it := range items {
		normalized[i] = normalizeItem(it)
	}
	if err := validateOrder(h, normalized); err != nil {
		return Order{}, err
	}

	var total float64
	for _, it := range normalized {
		total += *it.Price
	}

	number := s.newNumber()
	stmts := make([]sqlite.Statement, 0, len(normalized)+2)
	stmts = append(stmts, sqlite.Exec(insertOrderSQL,
		number, h.PatientRef, h.RequesterRef, h.Priority, StatusPending,
		nullable(h.ClinicalNotes), nullable(h.Instructions), total))
	for _, it := range normalized {
		var testID any
		if it.TestID != nil {
			testID = *it.TestID
		}
		stmts = append(stmts, sqlite.Exec(insertItemSQL,
			sqlite.InsertID(0), testID, it.Name, it.Code, it.Category, *it.Price, StatusPending))
	}
	stmts = append(stmts, sqlite.Query(selectCreatedAtSQL, sqlite.InsertID(0)))

	res, err := s.tx.RunUnit(ctx, stmts)
	if err != nil {
		level := slog.LevelError
		if shared.IsBusy(err) || shared.IsConflict(err) {
			level = slog.LevelWarn
		}
		s.log.Log(ctx, level, "lab order not created",
			"items", len(normalized),
			"kind", shared.KindOf(err).String(),
			"err", err)
		return Order{}, shared.Wrap(err, "laborder: create order")
	}

	order := Order{
		ID:            res.Statements[0].Result.LastInsertID,
		Number:        number,
		PatientRef:    h.PatientRef,
		RequesterRef:  h.RequesterRef,
		Priority:      h.Priority,
		Status:        StatusPending,
		ClinicalNotes: h.ClinicalNotes,
		Instructions:  h.Instructions,
		Items:         make([]CreatedItem, len(normalized)),
		TotalAmount:   total,
	}
	for i, it := range normalized {
		order.Items[i] = CreatedItem{
			ID:       res.Statements[i+1].Result.LastInsertID,
			TestID:   it.TestID,
			Name:     it.Name,
			Code:     it.Code,
			Category: it.Category,
			Price:    *it.Price,
			Status:   StatusPending,
		}
	}
	if rows := res.Statements[len(stmts)-1].Rows; len(rows) > 0 {
		order.CreatedAt = ts(rows[0], "created_at")
	}

	s.log.Info("lab order created",
		"order_id", order.ID,
		"order_number", order.Number,
		"items", len(order.Items),
		"total", order.TotalAmount,
		"attempts", res.Attempts)
	return order, nil
}

// GetOrder returns the order header with its items.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	row, found, err := s.db.QueryOne(ctx, selectOrderSQL, id)
	if err != nil {
		return Order{}, shared.Wrapf(err, "laborder: get order %d", id)
	}
	if !found {
		return Order{}, shared.Wrapf(shared.ErrNotFound, "laborder: order %d", id)
	}

	rows, err := s.db.QueryMany(ctx, selectItemsSQL, id)
	if err != nil {
		return Order{}, shared.Wrapf(err, "laborder: get order %d items", id)
	}

	order := Order{
		ID:            i64(row, "id"),
		Number:        str(row, "order_number"),
		PatientRef:    str(row, "patient_ref"),
		RequesterRef:  str(row, "requester_ref"),
		Priority:      str(row, "priority"),
		Status:        str(row, "status"),
		ClinicalNotes: str(row, "clinical_notes"),
		Instructions:  str(row, "instructions"),
		TotalAmount:   f64(row, "total_amount"),
		CreatedAt:     ts(row, "created_at"),
		Items:         make([]CreatedItem, 0, len(rows)),
	}
	for _, r := range rows {
		order.Items = append(order.Items, itemFromRow(r))
	}
	return order, nil
}
