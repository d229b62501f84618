// Package validate plugs go-playground/validator into echo's c.Validate.
package validate

import (
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var countryCode = regexp.MustCompile(`^[A-Za-z]{2,3}$`)

type Validator struct {
	v *validator.Validate
}

// New returns a Validator that reports fields by their json name and knows
// the "country" tag (2 or 3 letters).
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("country", func(fl validator.FieldLevel) bool {
		return countryCode.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// RegisterOneOf adds a tag that accepts exactly the given values, for enums
// with spaces in them that the builtin oneof tag cannot express.
func (cv *Validator) RegisterOneOf(tag string, values []string) error {
	allowed := make(map[string]bool, len(values))
	for _, s := range values {
		allowed[s] = true
	}
	return cv.v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return allowed[fl.Field().String()]
	})
}

// Validate implements echo.Validator. Failures come back as 400s listing
// every offending field.
func (cv *Validator) Validate(i interface{}) error {
	if err := cv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, Format(err))
	}
	return nil
}

// Format renders validator errors as "field: rule" pairs.
func Format(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msg := fe.Field() + ": " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return "validation failed: " + strings.Join(msgs, ", ")
}

// BindAndValidate binds the request body into obj and validates it.
func BindAndValidate(c echo.Context, obj interface{}) error {
	if err := c.Bind(obj); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return c.Validate(obj)
}
