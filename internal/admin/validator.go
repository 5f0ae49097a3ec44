package admin

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bizjournal/internal/types"
)

// Validator wraps go-playground/validator and reports failures as
// validation AppErrors keyed by JSON field name.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// Struct validates s.
func (v *Validator) Struct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	first := verrs[0]
	code := types.ErrCodeValidationInvalidBody
	if first.Tag() == "required" {
		code = types.ErrCodeValidationMissingField
	}
	return types.NewAppError(code, fmt.Sprintf("field %q failed %q", first.Field(), first.Tag()), err).
		WithDetails(map[string]any{"fields": fields})
}
