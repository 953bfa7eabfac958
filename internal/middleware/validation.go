package middleware

import (
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/temcen/neighborly/internal/validation"
)

const maxUserIDLength = 255

// ValidatePathParams rejects malformed user ids before they reach a handler.
func ValidatePathParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		var errs []validation.ValidationError

		if userID, ok := pathParam(c, "userId"); ok {
			if msg := checkUserID(userID); msg != "" {
				errs = append(errs, validation.ValidationError{
					Field:   "userId",
					Message: msg,
					Code:    "INVALID_PATH_PARAM",
					Value:   userID,
				})
			}
		}

		if len(errs) > 0 {
			sendValidationErrors(c, errs)
			return
		}

		c.Next()
	}
}

// ValidateHeaders requires a JSON content type on requests with a body.
func ValidateHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		var errs []validation.ValidationError

		if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
			contentType := c.GetHeader("Content-Type")
			if contentType == "" {
				errs = append(errs, validation.ValidationError{
					Field:   "Content-Type",
					Message: "Content-Type header is required",
					Code:    "MISSING_HEADER",
				})
			} else if !strings.Contains(contentType, "application/json") {
				errs = append(errs, validation.ValidationError{
					Field:   "Content-Type",
					Message: "Content-Type must be application/json",
					Code:    "INVALID_HEADER",
					Value:   contentType,
				})
			}
		}

		if accept := c.GetHeader("Accept"); accept != "" {
			if !strings.Contains(accept, "application/json") && !strings.Contains(accept, "*/*") {
				errs = append(errs, validation.ValidationError{
					Field:   "Accept",
					Message: "Accept header must include application/json",
					Code:    "INVALID_HEADER",
					Value:   accept,
				})
			}
		}

		if len(errs) > 0 {
			sendValidationErrors(c, errs)
			return
		}

		c.Next()
	}
}

func pathParam(c *gin.Context, name string) (string, bool) {
	for _, p := range c.Params {
		if p.Key == name {
			return p.Value, true
		}
	}
	return "", false
}

func checkUserID(value string) string {
	switch {
	case strings.TrimSpace(value) == "":
		return "User ID must not be empty"
	case len(value) > maxUserIDLength:
		return "User ID must be at most 255 bytes"
	case !utf8.ValidString(value):
		return "User ID must be valid UTF-8"
	case strings.IndexFunc(value, unicode.IsControl) >= 0:
		return "User ID must not contain control characters"
	}
	return ""
}

func sendValidationErrors(c *gin.Context, errs []validation.ValidationError) {
	fieldErrors := make(map[string][]string)
	for _, err := range errs {
		if err.Field != "" {
			fieldErrors[err.Field] = append(fieldErrors[err.Field], err.Message)
		}
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": gin.H{
			"code":    "VALIDATION_ERROR",
			"message": "Request validation failed",
			"details": gin.H{
				"validationErrors": errs,
				"fieldErrors":      fieldErrors,
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"requestId": c.GetString("request_id"),
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
		},
	})
}
