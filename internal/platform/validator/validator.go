package validator

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	ierr "github.com/medpractice/billing/internal/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// Get returns the shared validator. Field names in errors use the json tag.
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateRequest validates req's struct tags and returns an ErrValidation
// whose reportable details map each failing field to its rule.
func ValidateRequest(req any) error {
	if err := Get().Struct(req); err != nil {
		details := make(map[string]any)
		var validateErrs validator.ValidationErrors
		if ierr.As(err, &validateErrs) {
			for _, fe := range validateErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(details).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Echo adapts ValidateRequest to echo.Validator.
type Echo struct{}

func (Echo) Validate(i any) error { return ValidateRequest(i) }
