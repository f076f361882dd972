package internal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const maxURLLength = 2048

// reservedAliases collide with fixed routes under /links/.
var reservedAliases = map[string]struct{}{
	"search":  {},
	"shorten": {},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs the struct's `validate` tags and folds any failure into
// ErrValidation.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed on %q", ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("%w: url longer than %d characters", ErrValidation, maxURLLength)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrValidation)
	}
	return validateNormalized(raw)
}

// validateNormalized rejects input whose stored form would carry control
// bytes or invalid UTF-8 once NormalizeURL has decoded the path.
func validateNormalized(raw string) error {
	n := NormalizeURL(raw)
	if !utf8.ValidString(n) {
		return fmt.Errorf("%w: url decodes to invalid UTF-8", ErrValidation)
	}
	if strings.IndexFunc(n, isControl) >= 0 {
		return fmt.Errorf("%w: url decodes to control characters", ErrValidation)
	}
	return nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// ValidateAlias checks a user-supplied short code.
func ValidateAlias(alias string) error {
	if err := validate.Var(alias, "alphanum,min=3,max=32"); err != nil {
		return fmt.Errorf("%w: alias must be 3-32 alphanumeric characters", ErrValidation)
	}
	if _, ok := reservedAliases[strings.ToLower(alias)]; ok {
		return fmt.Errorf("%w: alias %q is reserved", ErrValidation, alias)
	}
	return nil
}
