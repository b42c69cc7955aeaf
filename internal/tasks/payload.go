package tasks

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Number is a payload number that also accepts numeric strings, which is how
// form posts deliver them. Unparseable input is remembered and reported as
// "<field> must be numeric" during payload validation.
type Number struct {
	Value   float64
	Set     bool
	invalid bool
}

// Num returns a set Number.
func Num(v float64) Number {
	return Number{Value: v, Set: true}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = Number{}
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
		if s == "" {
			*n = Number{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		*n = Number{invalid: true}
		return nil
	}
	*n = Number{Value: v, Set: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Int rounds the value to the nearest integer.
func (n Number) Int() int {
	return int(math.Round(n.Value))
}

// Or returns the value, or def when unset.
func (n Number) Or(def float64) float64 {
	if !n.Set {
		return def
	}
	return n.Value
}

var (
	numberType = reflect.TypeOf(Number{})
	validate   = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := jsonName(f); name != "-" {
			return name
		}
		return ""
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if n, ok := field.Interface().(Number); ok && n.Set {
			return n.Value
		}
		return nil
	}, Number{})
	return v
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}

// decodePayload unmarshals the job kwargs into v and validates them.
func decodePayload(job *models.Job, v interface{}) error {
	if len(job.Args) > 0 {
		if err := json.Unmarshal(job.Args, v); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) && typeErr.Field != "" && isNumericKind(typeErr.Type.Kind()) {
				return models.NumericError(typeErr.Field)
			}
			return models.NewValidationError("args", "invalid payload for %s: %v", job.Func, err)
		}
	}
	return checkPayload(v)
}

// checkPayload reports the first non-numeric Number, then the first failed
// validate tag, as a ValidationError.
func checkPayload(v interface{}) error {
	if err := checkNumeric(reflect.ValueOf(v), ""); err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func checkNumeric(v reflect.Value, field string) error {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkNumeric(v.Elem(), field)
	case reflect.Struct:
		if v.Type() == numberType {
			if v.Interface().(Number).invalid {
				return models.NumericError(field)
			}
			return nil
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if err := checkNumeric(v.Field(i), jsonName(f)); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkNumeric(v.Index(i), field); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.NewValidationError("payload", "%v", err)
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return models.NewValidationError(field, "%s is required", field)
	case "gt":
		return models.NewValidationError(field, "%s must be greater than %s", field, fe.Param())
	case "gte", "min":
		return models.NewValidationError(field, "%s must be at least %s", field, fe.Param())
	case "lt":
		return models.NewValidationError(field, "%s must be less than %s", field, fe.Param())
	case "lte", "max":
		return models.NewValidationError(field, "%s must be at most %s", field, fe.Param())
	case "len":
		return models.NewValidationError(field, "%s must have %s values", field, fe.Param())
	case "oneof":
		return models.NewValidationError(field, "%s must be one of %s", field, fe.Param())
	}
	return models.NewValidationError(field, "%s failed %s validation", field, fe.Tag())
}
