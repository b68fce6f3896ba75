package laborder

import (
	"strconv"
	"time"

	"opd-emr/internal/platform/sqlite"
)

func str(r sqlite.Row, col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func i64(r sqlite.Row, col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func optI64(r sqlite.Row, col string) *int64 {
	if r[col] == nil {
		return nil
	}
	n := i64(r, col)
	return &n
}

func f64(r sqlite.Row, col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// timestamps come back as time.Time for DATETIME columns, or as text
// when read through an expression
func ts(r sqlite.Row, col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC()
	case string:
		for _, layout := range []string{time.DateTime, time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func testFromRow(r sqlite.Row) Test {
	return Test{
		ID:       i64(r, "id"),
		Code:     str(r, "code"),
		Name:     str(r, "name"),
		Category: str(r, "category"),
		Price:    f64(r, "price"),
		Active:   i64(r, "is_active") == 1,
	}
}

func itemFromRow(r sqlite.Row) CreatedItem {
	return CreatedItem{
		ID:       i64(r, "id"),
		TestID:   optI64(r, "test_id"),
		Name:     str(r, "test_name"),
		Code:     str(r, "test_code"),
		Category: str(r, "category"),
		Price:    f64(r, "price"),
		Status:   str(r, "status"),
	}
}
