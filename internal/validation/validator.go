// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package validation validates HTTP request structs with go-playground/validator
// and translates failures into the API's VALIDATION_ERROR format.
//
//	type printOrderRequest struct {
//	    OrderID string `validate:"required,order_id"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    apiErr := verr.ToAPIError()
//	    respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
//	    return
//	}
//
// Custom tags:
//
//	order_id   1-64 chars of letters, digits, '.', '_', ':' or '-'
//	json_body  non-empty byte slice whose first non-space byte opens a JSON object
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrorCode is the API error code for every validation failure.
const ErrorCode = "VALIDATION_ERROR"

var (
	validate     *validator.Validate
	validateOnce sync.Once

	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

// FieldError is one failed rule.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

// RequestValidationError collects the failed rules of one struct.
type RequestValidationError struct {
	Fields []FieldError
}

func (ve *RequestValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.Fields))
	for i := range ve.Fields {
		messages[i] = ve.Fields[i].Message
	}
	return strings.Join(messages, "; ")
}

// APIError mirrors models.APIError without importing models.
type APIError struct {
	Code    string
	Message string
}

// ToAPIError converts the failure to the API error shape.
func (ve *RequestValidationError) ToAPIError() *APIError {
	return &APIError{Code: ErrorCode, Message: ve.Error()}
}

// GetValidator returns the shared validator, registering custom tags once.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("order_id", func(fl validator.FieldLevel) bool {
			return orderIDPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("json_body", func(fl validator.FieldLevel) bool {
			body, ok := fl.Field().Interface().([]byte)
			if !ok {
				return false
			}
			trimmed := bytes.TrimSpace(body)
			return len(trimmed) > 0 && trimmed[0] == '{'
		})
	})
	return validate
}

// ValidateStruct returns nil when s passes every rule.
func ValidateStruct(s interface{}) *RequestValidationError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &RequestValidationError{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}

	out := &RequestValidationError{Fields: make([]FieldError, len(fieldErrs))}
	for i, fe := range fieldErrs {
		out.Fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translate(fe),
		}
	}
	return out
}

var messages = map[string]string{
	"required":  "%s is required",
	"order_id":  "%s must be 1-64 letters, digits, '.', '_', ':' or '-'",
	"json_body": "%s must be a JSON object",
	"uuid":      "%s must be a UUID",
	"uuid4":     "%s must be a UUID",
}

func translate(fe validator.FieldError) string {
	field := fe.Field()
	if tmpl, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}

	sized := fe.Kind().String() == "slice" || fe.Kind().String() == "string"
	switch fe.Tag() {
	case "min":
		if sized {
			return fmt.Sprintf("%s must be at least %s bytes", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if sized {
			return fmt.Sprintf("%s must be at most %s bytes", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
