// Package validation vets the untrusted surface of the API: URL params,
// address and amount formats, request body size. Handlers use the small
// combinator form (Validate plus field checks) to collect every problem
// in one pass instead of failing on the first.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB. Every API payload is a small
// JSON document; anything bigger is a mistake or an attack.
const MaxRequestSize = 1 << 20

// MaxMemoLength bounds the free-text memo on payment intents.
const MaxMemoLength = 512

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// Intent IDs are the sha256 fingerprint of the intent fields,
	// rendered as lowercase hex.
	intentIDRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// IsValidEthAddress reports whether addr is a well-formed Ethereum
// address (0x followed by 40 hex chars). Checksum casing is not
// enforced; the service lowercases addresses at its boundaries.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidIntentID reports whether id is a well-formed intent ID.
func IsValidIntentID(id string) bool {
	return intentIDRegex.MatchString(id)
}

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects malformed :address URL params before any
// handler runs. Routes without the param pass through untouched.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// IntentIDParamMiddleware rejects malformed :id URL params. Intent IDs
// are content-derived, so anything that is not 64 lowercase hex chars can
// be refused without a store lookup.
func IntentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidIntentID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_intent_id",
				"message": "intent id must be 64 lowercase hex chars",
			})
			return
		}
		c.Next()
	}
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every rejected field from one request.
type ValidationErrors []ValidationError

// Error joins the per-field messages, so a single string still names
// every problem.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Field + ": " + ve.Message
	}
	return strings.Join(parts, "; ")
}

// Validate runs each check and collects the failures. An empty result
// means the input passed.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required rejects empty or whitespace-only values.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress rejects malformed addresses. Empty values pass; pair with
// Required when the field is mandatory.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount rejects values that are not positive decimal numbers.
// Zero is rejected too: a zero-value transfer is always a caller bug.
// Empty values pass; pair with Required when the field is mandatory.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		whole, frac, dotted := strings.Cut(value, ".")
		if !digits(whole) || (dotted && !digits(frac)) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if strings.Trim(whole+frac, "0") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// digits reports whether s is one or more ASCII digits.
func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
