package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:_-]*$`)

var (
	once     sync.Once
	instance *validator.Validate
)

func v() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		_ = instance.RegisterValidation("namespace", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s != "" && len(s) <= 128 && namespacePattern.MatchString(s)
		})
	})
	return instance
}

// Namespace reports whether s is a well-formed namespace name.
func Namespace(s string) bool {
	return s != "" && len(s) <= 128 && namespacePattern.MatchString(s)
}

// Struct runs struct-tag validation and flattens failures into field -> messages.
// A nil result means the value passed.
func Struct(s any) map[string][]string {
	err := v().Struct(s)
	if err == nil {
		return nil
	}

	out := map[string][]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			name := fe.Field()
			if name != "" {
				name = strings.ToLower(name[:1]) + name[1:]
			}
			out[name] = append(out[name], message(fe))
		}
		return out
	}

	out["payload"] = []string{err.Error()}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "namespace":
		return "must start with an alphanumeric and contain only alphanumerics, ':', '_' or '-'"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
