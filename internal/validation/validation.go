// Package validation provides structured input validation for configuration
// and API requests.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// Violation is a single failed rule on a named field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Violations is the full list of failed rules for one input.
type Violations []Violation

// Error implements the error interface
func (vs Violations) Error() string {
	if len(vs) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Err returns vs as an error, or nil when there are no violations.
func (vs Violations) Err() error {
	if len(vs) == 0 {
		return nil
	}
	return vs
}

// Prefixed returns a copy of vs with every field name nested under prefix,
// e.g. "tiers[1]" + "threshold" becomes "tiers[1].threshold".
func (vs Violations) Prefixed(prefix string) Violations {
	out := make(Violations, len(vs))
	for i, v := range vs {
		field := prefix
		switch {
		case strings.HasPrefix(v.Field, "["):
			field = prefix + v.Field
		case v.Field != "":
			field = prefix + "." + v.Field
		}
		out[i] = Violation{Field: field, Message: v.Message}
	}
	return out
}

// Check is a single deferred rule.
type Check func() *Violation

// Validate runs every check and collects the failures.
func Validate(checks ...Check) Violations {
	var out Violations
	for _, check := range checks {
		if v := check(); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *Violation {
		if strings.TrimSpace(value) == "" {
			return &Violation{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Positive checks that an integer field is greater than zero.
func Positive(field string, value int64) Check {
	return func() *Violation {
		if value <= 0 {
			return &Violation{Field: field, Message: fmt.Sprintf("must be greater than zero, got %d", value)}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed strings (case-insensitive).
func OneOf(field, value string, allowed ...string) Check {
	return func() *Violation {
		for _, a := range allowed {
			if strings.EqualFold(a, value) {
				return nil
			}
		}
		return &Violation{Field: field, Message: fmt.Sprintf("must be one of %s", strings.Join(allowed, ", "))}
	}
}

// IDParamMiddleware rejects requests whose :id URL parameter is not a UUID.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" {
			if _, err := uuid.Parse(id); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": "id must be a UUID",
				})
				return
			}
		}
		c.Next()
	}
}
