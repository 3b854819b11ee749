package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator; custom registrations belong in
// init before the first Validate call.
var validate = validator.New()

// Validate checks dto against its validate tags and returns a validation
// AppError listing every failed field.
func Validate(dto any) error {
	err := validate.Struct(dto)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError(err.Error(), nil)
	}
	msgs := make([]string, 0, len(fieldErrs))
	fields := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		fields[fe.Field()] = fe.Tag()
	}
	return NewValidationError(strings.Join(msgs, "; "), map[string]any{"fields": fields})
}
