package datastore

import (
	"fmt"

	"github.com/tphakala/iotalerts/internal/errors"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.NewStd("alert not found")

// dbError creates a categorized database error with context pairs
func dbError(err error, operation, priority string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	if priority != "" {
		builder = builder.Priority(priority)
	}

	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}

	return builder.Build()
}

func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

func notFoundError(err error, operation string, id uint) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("operation", operation).
		Context("id", id).
		Build()
}
