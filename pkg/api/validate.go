package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var dangerousKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "ALTER", "CREATE",
	"TRUNCATE", "EXEC", "EXECUTE", "UNION", "--", ";",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("minwords", func(fl validator.FieldLevel) bool {
		return len(strings.Fields(fl.Field().String())) >= 2
	})
	_ = v.RegisterValidation("safequery", func(fl validator.FieldLevel) bool {
		return dangerousKeyword(fl.Field().String()) == ""
	})
	return v
}

func dangerousKeyword(q string) string {
	upper := strings.ToUpper(q)
	for _, kw := range dangerousKeywords {
		if strings.Contains(upper, kw) {
			return kw
		}
	}
	return ""
}

// validateStruct validates s and flattens field errors into one message.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "minwords":
		return fmt.Sprintf("%s must contain at least 2 words", field)
	case "safequery":
		return fmt.Sprintf("%s contains potentially dangerous keyword %s; only questions about the data are allowed",
			field, dangerousKeyword(e.Value().(string)))
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
