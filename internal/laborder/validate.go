package laborder

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"opd-emr/internal/shared"
)

// ValidationError reports caller input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("laborder: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return shared.ErrValidation }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON names in errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func normalizeHeader(h Header) Header {
	h.PatientRef = strings.TrimSpace(h.PatientRef)
	h.RequesterRef = strings.TrimSpace(h.RequesterRef)
	h.Priority = strings.ToLower(strings.TrimSpace(h.Priority))
	h.ClinicalNotes = strings.TrimSpace(h.ClinicalNotes)
	h.Instructions = strings.TrimSpace(h.Instructions)
	if h.Priority == "" {
		h.Priority = PriorityRoutine
	}
	return h
}

func normalizeItem(it Item) Item {
	it.Name = strings.TrimSpace(it.Name)
	it.Code = strings.TrimSpace(it.Code)
	it.Category = strings.TrimSpace(it.Category)
	if it.Category == "" {
		it.Category = DefaultCategory
	}
	return it
}

// validateOrder returns the first problem found, header fields first.
func validateOrder(h Header, items []Item) error {
	if err := validate.Struct(h); err != nil {
		return fromValidator(err, "")
	}
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one test is required"}
	}
	for i, it := range items {
		prefix := fmt.Sprintf("items[%d].", i)
		if err := validate.Struct(it); err != nil {
			return fromValidator(err, prefix)
		}
		if math.IsNaN(*it.Price) || math.IsInf(*it.Price, 0) {
			return &ValidationError{Field: prefix + "price", Reason: "must be a finite number"}
		}
	}
	return nil
}

func validatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return &ValidationError{Field: "price", Reason: "must be a finite number"}
	}
	if price < 0 {
		return &ValidationError{Field: "price", Reason: "must be >= 0"}
	}
	return nil
}

func fromValidator(err error, prefix string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		// not a field error: the validator was misused
		return shared.MarkKind(shared.Wrap(err, "laborder: validate"), shared.KindInternal)
	}
	fe := verrs[0]
	return &ValidationError{Field: prefix + fe.Field(), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
