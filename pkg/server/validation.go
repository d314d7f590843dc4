package server

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Request limits
const (
	MaxRawLength     = 32000
	MaxCookedLength  = 256000
	MaxExcerptLength = 10000
	MaxImageSize     = 10000
	MaxURLLength     = 2000
)

// ValidationError is one invalid request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Validator collects field errors for one request.
type Validator struct {
	errors ValidationErrors
}

func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) ValidateMaxLength(field, value string, maxLength int) bool {
	if utf8.RuneCountInString(value) > maxLength {
		v.AddError(field, fmt.Sprintf("must not exceed %d characters", maxLength))
		return false
	}
	return true
}

// ValidateRange checks min <= value <= max.
func (v *Validator) ValidateRange(field string, value, min, max int64) bool {
	if value < min {
		v.AddError(field, fmt.Sprintf("must be at least %d", min))
		return false
	}
	if value > max {
		v.AddError(field, fmt.Sprintf("must not exceed %d", max))
		return false
	}
	return true
}

// ValidateURL accepts absolute http(s) URLs and protocol-relative ones.
func (v *Validator) ValidateURL(field, value string) bool {
	if !v.ValidateMaxLength(field, value, MaxURLLength) {
		return false
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(field, "must be a valid URL")
		return false
	}
	if u.Host == "" {
		v.AddError(field, "must be a complete URL with a host")
		return false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		v.AddError(field, "must use http or https protocol")
		return false
	}
	return true
}

func validateCookRequest(req *cookRequest) ValidationErrors {
	v := NewValidator()
	v.ValidateMaxLength("raw", req.Raw, MaxRawLength)
	v.ValidateRange("topic_id", req.TopicID, 0, 1<<53)
	v.ValidateRange("user_id", req.UserID, 0, 1<<53)
	v.ValidateRange("category_id", req.CategoryID, 0, 1<<53)
	return v.Errors()
}

func validatePostprocessRequest(req *postprocessRequest) ValidationErrors {
	v := NewValidator()
	v.ValidateMaxLength("raw", req.Raw, MaxRawLength)
	v.ValidateMaxLength("cooked", req.Cooked, MaxCookedLength)
	v.ValidateRange("post_id", req.PostID, 0, 1<<53)
	v.ValidateRange("topic_id", req.TopicID, 0, 1<<53)
	v.ValidateRange("post_number", int64(req.PostNumber), 0, 1<<31-1)
	v.ValidateRange("user_id", req.UserID, 0, 1<<53)
	for u, sz := range req.ImageSizes {
		field := fmt.Sprintf("image_sizes[%s]", u)
		v.ValidateURL(field, u)
		v.ValidateRange(field+".width", int64(sz.Width), 0, MaxImageSize)
		v.ValidateRange(field+".height", int64(sz.Height), 0, MaxImageSize)
	}
	return v.Errors()
}

func validateExcerptRequest(req *excerptRequest) ValidationErrors {
	v := NewValidator()
	v.ValidateMaxLength("html", req.HTML, MaxCookedLength)
	v.ValidateRange("max_length", int64(req.MaxLength), 0, MaxExcerptLength)
	return v.Errors()
}
