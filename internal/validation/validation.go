// Package validation collects field-level input errors and guards request
// bodies and address path parameters.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the default body cap for JSON endpoints.
const MaxRequestSize = 1 << 20

// MaxDatasetSize caps dataset uploads.
const MaxDatasetSize = 64 << 20

// MaxAddressLength bounds the :address path parameter.
const MaxAddressLength = 128

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	default:
		return fmt.Sprintf("%s: %s (and %d more)", e[0].Field, e[0].Message, len(e)-1)
	}
}

// Add appends a field error.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Err returns e as an error, or nil when it is empty.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d", max)}
		}
		return nil
	}
}

// Finite rejects NaN and infinities.
func Finite(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		return nil
	}
}

// InRange checks lo <= v <= hi.
func InRange(field string, v, lo, hi float64) func() *ValidationError {
	return func() *ValidationError {
		if v < lo || v > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %g and %g", lo, hi)}
		}
		return nil
	}
}

// IsAddressLike reports whether s is a plausible address token: non-empty,
// bounded, alphanumeric. It does not decide the address family.
func IsAddressLike(s string) bool {
	if s == "" || len(s) > MaxAddressLength {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// AddressParamMiddleware rejects malformed :address path parameters before
// they reach a handler.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); !IsAddressLike(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be 1-128 alphanumeric characters",
			})
			return
		}
		c.Next()
	}
}
