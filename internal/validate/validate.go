// Package validate wraps github.com/go-playground/validator/v10 for the
// collaborator payloads that cross a trust boundary: a caller-supplied
// upgrade config, a fiat webhook body, an inbound Lightning invoice-update
// event. There is no HTTP request surface in this build (internal/httpserver
// exposes only GET health/metrics routes), so this stays a plain
// struct-tag validator rather than a request-decoding helper.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// instance is a package-level, concurrency-safe validator.
var instance = validator.New(validator.WithRequiredStructEnabled())

// Struct validates v against its `validate` struct tags, returning a
// single error joining every failed field for display/logging.
func Struct(v any) error {
	err := instance.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fieldErrorMessage(fe)))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

// fieldErrorMessage returns a human-readable message for a field error.
func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_without_all":
		return "at least one of the related fields must be set"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "base64":
		return "must be valid base64"
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}
