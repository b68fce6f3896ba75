package laborder

import (
	"context"
	"fmt"
	"strings"

	"opd-emr/internal/platform/sqlite"
	"opd-emr/internal/shared"
)

const testColumns = `id, code, name, category, price, is_active`

// ListTests returns active tests ordered by category and name. A non-empty
// category narrows the list to that category.
func (s *Service) ListTests(ctx context.Context, category string) ([]Test, error) {
	query := `SELECT ` + testColumns + ` FROM lab_tests WHERE is_active = 1 ORDER BY category, name`
	var args []any
	if category = strings.TrimSpace(category); category != "" {
		query = `SELECT ` + testColumns + ` FROM lab_tests WHERE is_active = 1 AND category = ? ORDER BY name`
		args = append(args, category)
	}

	rows, err := s.db.QueryMany(ctx, query, args...)
	if err != nil {
		return nil, shared.Wrap(err, "laborder: list tests")
	}
	return testsFromRows(rows), nil
}

// SearchTests matches the term against name, code and category. Name matches
// rank first, then code, then category.
func (s *Service) SearchTests(ctx context.Context, term string) ([]Test, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, &ValidationError{Field: "q", Reason: "is required"}
	}
	pattern := "%" + term + "%"

	rows, err := s.db.QueryMany(ctx, `SELECT `+testColumns+`
FROM lab_tests
WHERE is_active = 1 AND (name LIKE ? OR code LIKE ? OR category LIKE ?)
ORDER BY
    CASE
        WHEN name LIKE ? THEN 1
        WHEN code LIKE ? THEN 2
        ELSE 3
    END,
    name`,
		pattern, pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, shared.Wrap(err, "laborder: search tests")
	}
	return testsFromRows(rows), nil
}

// GetTest returns an active test.
func (s *Service) GetTest(ctx context.Context, id int64) (Test, error) {
	row, found, err := s.db.QueryOne(ctx,
		`SELECT `+testColumns+` FROM lab_tests WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return Test{}, shared.Wrapf(err, "laborder: get test %d", id)
	}
	if !found {
		return Test{}, shared.Wrapf(shared.ErrNotFound, "laborder: test %d", id)
	}
	return testFromRow(row), nil
}

// Categories lists categories of active tests with their test counts.
func (s *Service) Categories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryMany(ctx, `SELECT category, COUNT(*) AS test_count
FROM lab_tests
WHERE is_active = 1
GROUP BY category
ORDER BY category`)
	if err != nil {
		return nil, shared.Wrap(err, "laborder: categories")
	}

	out := make([]Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, Category{Name: str(r, "category"), TestCount: i64(r, "test_count")})
	}
	return out, nil
}

// UpdatePrices sets one price on every active test and re-reads the catalogue
// inside the same transaction to confirm it.
func (s *Service) UpdatePrices(ctx context.Context, price float64) (PriceUpdate, error) {
	if err := validatePrice(price); err != nil {
		return PriceUpdate{}, err
	}

	var out PriceUpdate
	err := s.tx.WithinTx(ctx, func(ctx context.Context, exec *sqlite.Executor) error {
		res, err := exec.Execute(ctx,
			`UPDATE lab_tests SET price = ?, updated_at = CURRENT_TIMESTAMP WHERE is_active = 1`, price)
		if err != nil {
			return err
		}

		row, _, err := exec.QueryOne(ctx, `SELECT COUNT(*) AS total,
       COUNT(CASE WHEN price = ? THEN 1 END) AS verified
FROM lab_tests WHERE is_active = 1`, price)
		if err != nil {
			return err
		}

		out = PriceUpdate{
			Updated:  res.RowsAffected,
			Total:    i64(row, "total"),
			Verified: i64(row, "verified"),
			Price:    price,
		}
		return shared.Invariant(out.Verified == out.Total,
			fmt.Sprintf("%d of %d active tests kept the old price", out.Total-out.Verified, out.Total))
	})
	if err != nil {
		return PriceUpdate{}, shared.Wrap(err, "laborder: update prices")
	}

	s.log.Info("lab test prices updated", "price", price, "updated", out.Updated)
	return out, nil
}

func testsFromRows(rows []sqlite.Row) []Test {
	out := make([]Test, 0, len(rows))
	for _, r := range rows {
		out = append(out, testFromRow(r))
	}
	return out
}
