// Package handler holds the HTTP response helpers shared by the controllers.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/newsletter-delivery/internal/errors"
)

// ErrorResponse is the error envelope for every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

func BadRequest(w http.ResponseWriter, message string, details any) {
	JSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Code:    string(appErrors.KindValidation),
		Details: details,
	})
}

// WriteError maps domain errors onto their HTTP status and code. Anything else is
// logged and reported as a generic 500 so internals never leak.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := appErrors.KindOf(err)
	if kind == "" {
		if logger != nil {
			logger.Error("internal error", zap.Error(err))
		}
		JSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	JSON(w, appErrors.HTTPStatus(kind), ErrorResponse{Error: err.Error(), Code: string(kind)})
}

// Decode reads a JSON body into dst and validates it. It writes a 400 and returns
// false when either step fails.
func Decode(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			BadRequest(w, "request body is required", nil)
			return false
		}
		BadRequest(w, "invalid JSON: "+err.Error(), nil)
		return false
	}
	if v == nil {
		return true
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			BadRequest(w, err.Error(), nil)
			return false
		}
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages, validationMessage(fe))
		}
		BadRequest(w, "validation failed", messages)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	}
	return field + " is invalid"
}
