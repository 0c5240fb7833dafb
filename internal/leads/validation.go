package leads

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("setup_type", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(SetupType)
		if !ok {
			return false
		}
		return value.Valid()
	})

	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return phonePattern.MatchString(strings.ReplaceAll(value, " ", ""))
	})

	_ = v.RegisterValidation("https_url", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return isHTTPSURL(value)
	})

	return v
}

func isHTTPSURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// validationError converts the first validator failure into a ValidationError.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return invalid(field, "is required")
	case "email":
		return invalid(field, "must be a valid email address")
	case "phone":
		return invalid(field, "must be a phone number in international format")
	case "setup_type":
		return invalid(field, "must be one of mainland, freezone, offshore, bank, not_sure")
	case "https_url":
		return invalid(field, "must be an absolute https URL")
	case "max":
		return invalid(field, fmt.Sprintf("must be at most %s characters", fe.Param()))
	default:
		return invalid(field, fmt.Sprintf("failed %s validation", fe.Tag()))
	}
}
