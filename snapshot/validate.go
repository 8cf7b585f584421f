package snapshot

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var checksumPattern = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// Timestamps are validated as the time they wrap
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			if ts, ok := v.Interface().(Timestamp); ok {
				return ts.Time
			}
			return nil
		}, Timestamp{})

		validate.RegisterValidation("checksum", func(fl validator.FieldLevel) bool {
			return checksumPattern.MatchString(fl.Field().String())
		})

		validate.RegisterValidation("uuidstr", func(fl validator.FieldLevel) bool {
			value := fl.Field().String()
			return len(value) == 36 && uuid.Validate(value) == nil
		})
	})
	return validate
}

// Validate checks a decoded snapshot, collecting every failing field
func Validate(s *Snapshot) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return &ValidationError{Problems: []string{err.Error()}, Err: err}
	}

	problems := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		problems = append(problems, fmt.Sprintf("%s failed %q", fieldPath(fe), fe.Tag()))
	}
	return &ValidationError{Problems: problems, Err: err}
}

// fieldPath drops the root type name, ie; Snapshot.data.center_id -> data.center_id
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
