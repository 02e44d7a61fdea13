package engine

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON names so details match request bodies
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("webhook_url", func(fl validator.FieldLevel) bool {
		return isWebhookURL(fl.Field().String())
	})
	_ = v.RegisterValidation("expr", func(fl validator.FieldLevel) bool {
		src := fl.Field().String()
		if src == "" {
			return true
		}
		_, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
		return err == nil
	})
	return v
}

// isWebhookURL accepts absolute http(s) URLs with a host.
func isWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validateStruct runs the struct tags of v and converts failures into a
// VALIDATION_FAILED AppError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	details := make([]ErrorDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, ErrorDetail{
			Field:   fieldPath(fe),
			Rule:    fe.Tag(),
			Message: validationMessage(fe),
		})
	}
	return ValidationError(details)
}

// fieldPath drops the root struct name from the namespace, so
// "webhookInput.events[0]" becomes "events[0]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "min":
		if fe.Kind() == reflect.String {
			return "Must be at least " + fe.Param() + " characters"
		}
		if fe.Kind() == reflect.Slice {
			return "Must contain at least " + fe.Param() + " item(s)"
		}
		return "Must be at least " + fe.Param()
	case "max":
		return "Must be at most " + fe.Param()
	case "gte":
		return "Must be greater than or equal to " + fe.Param()
	case "gt":
		return "Must be greater than " + fe.Param()
	case "webhook_url":
		return "Must be an absolute http or https URL"
	case "expr":
		return "Must be a valid boolean expression"
	default:
		return "Invalid value"
	}
}
