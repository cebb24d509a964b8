package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

// ValidationErrors collects every problem found in one config so that all of
// them can be reported together.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d problems: %s", len(errs), strings.Join(parts, "; "))
}

func (errs ValidationErrors) HasErrors() bool { return len(errs) > 0 }

// Fields returns the names of the offending fields in order.
func (errs ValidationErrors) Fields() []string {
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	return fields
}

// Add records a problem with field. The optional value is kept for callers
// that want to echo it back.
func (errs *ValidationErrors) Add(field, message string, value ...any) {
	e := ValidationError{Field: field, Message: message}
	if len(value) > 0 {
		e.Value = value[0]
	}
	*errs = append(*errs, e)
}

// Require records field when value is blank.
func (errs *ValidationErrors) Require(field, value string) {
	if strings.TrimSpace(value) == "" {
		errs.Add(field, "is required", value)
	}
}

// OneOf records field when value is not one of allowed.
func (errs *ValidationErrors) OneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	errs.Add(field, fmt.Sprintf("must be one of %s (got %q)", strings.Join(allowed, ", "), value), value)
}

// AbsoluteURL records field unless value is an http or https URL with a host.
func (errs *ValidationErrors) AbsoluteURL(field, value string) {
	u, err := url.Parse(strings.TrimSpace(value))
	if err == nil && u.Host != "" && (u.Scheme == "https" || u.Scheme == "http") {
		return
	}
	errs.Add(field, "must be an absolute http(s) URL", value)
}

// FormatValidationError prefixes err with what was being validated. It
// returns nil for a nil err.
func FormatValidationError(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case name == "":
		return fmt.Errorf("invalid %s: %w", kind, err)
	default:
		return fmt.Errorf("invalid %s %q: %w", kind, name, err)
	}
}
