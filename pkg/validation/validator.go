package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	// Document IDs may not be empty, may not start with an underscore
	// (reserved for local metadata) and may not contain control characters.
	docIDPattern = regexp.MustCompile(`^[^_\x00-\x1f][^\x00-\x1f]*$`)

	// MaxDocIDLength bounds the size of a document ID
	MaxDocIDLength = 240
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("replurl", func(fl validator.FieldLevel) bool {
		return ValidateReplicationURL(fl.Field().String()) == nil
	})
	validate.RegisterValidation("proxyurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})
	validate.RegisterValidation("docid", func(fl validator.FieldLevel) bool {
		return ValidateDocID(fl.Field().String()) == nil
	})
}

// Struct validates v against its `validate` struct tags.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateReplicationURL checks that s is an absolute ws, wss, http or https URL with a host.
func ValidateReplicationURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid replication URL %q: %w", s, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("replication URL %q must use ws, wss, http or https", s)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("replication URL %q has no host", s)
	}
	return nil
}

// ValidateDocID validates a document ID used in a push filter.
func ValidateDocID(id string) error {
	if id == "" {
		return errors.New("document ID cannot be empty")
	}
	if len(id) > MaxDocIDLength {
		return fmt.Errorf("document ID %q exceeds maximum length of %d", id, MaxDocIDLength)
	}
	if !docIDPattern.MatchString(id) {
		return fmt.Errorf("document ID %q is invalid", id)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "replurl":
			return fmt.Errorf("%s: %q is not a ws, wss, http or https URL", field, e.Value())
		case "proxyurl":
			return fmt.Errorf("%s: %q is not an http or https proxy URL", field, e.Value())
		case "docid":
			return fmt.Errorf("%s: %q is not a valid document ID", field, e.Value())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
