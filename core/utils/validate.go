package utils

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator reports fields by their json names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DescribeValidation returns the first failing field of a validator error.
func DescribeValidation(err error) (field, message string, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", "", false
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		message = "required"
	case "max":
		message = "must be at most " + fe.Param() + " characters"
	case "min":
		message = "must be at least " + fe.Param() + " characters"
	case "gt":
		message = "must be greater than " + fe.Param()
	case "email":
		message = "must be a valid email address"
	case "oneof":
		message = "must be one of: " + fe.Param()
	default:
		message = "failed " + fe.Tag() + " check"
	}
	return fe.Field(), message, true
}
