// Package validator installs the billing-specific binding validators on gin's
// validator engine and turns validation failures into client messages.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

const (
	TagMoney       = "money"
	TagPeriodMonth = "period_month"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// Register installs the custom validators on gin's default binding engine.
// It is safe to call more than once.
func Register() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerErr = errors.New("unexpected binding validator engine")
			return
		}
		registerErr = RegisterOn(v)
	})
	return registerErr
}

// RegisterOn installs the custom validators and json field naming on v.
func RegisterOn(v *validator.Validate) error {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		}
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation(TagMoney, Money); err != nil {
		return err
	}
	return v.RegisterValidation(TagPeriodMonth, PeriodMonth)
}

// Money accepts decimal strings that money.Parse accepts.
func Money(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return false
	}
	_, err := money.Parse(field.String())
	return err == nil
}

// PeriodMonth accepts integer months 1 to 12.
func PeriodMonth(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		m := field.Int()
		return m >= 1 && m <= 12
	}
	return false
}

var messages = map[string]string{
	"required":     "is required",
	"email":        "must be a valid email address",
	"oneof":        "must be one of: %s",
	"min":          "must be at least %s",
	"max":          "must be at most %s",
	TagMoney:       "must be a non-negative amount with at most two decimal places",
	TagPeriodMonth: "must be a month between 1 and 12",
}

// Describe renders validation errors as "field: problem" pairs. Other bind
// errors, such as malformed JSON, get a generic message.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			msg = fmt.Sprintf(msg, fe.Param())
		}
		parts = append(parts, fe.Field()+" "+msg)
	}
	return strings.Join(parts, "; ")
}
