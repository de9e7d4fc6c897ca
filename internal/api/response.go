package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/feng04-qyq/backend/internal/aggregator"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success   bool                  `json:"success"`
	Message   string                `json:"message"`
	Data      any                   `json:"data,omitempty"`
	Source    aggregator.Provenance `json:"source,omitempty"`
	AsOf      *time.Time            `json:"as_of,omitempty"`
	Timestamp string                `json:"timestamp"`
	Code      string                `json:"code,omitempty"`
	Detail    string                `json:"detail,omitempty"`
}

// msgf formats a localized message.
func msgf(key string, args ...any) string {
	return fmt.Sprintf(i18n.Get(key), args...)
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, envelope{Success: true, Message: message, Data: data, Timestamp: now()})
}

func ok(c *gin.Context, message string, data any) {
	respond(c, http.StatusOK, message, data)
}

// okSourced renders an aggregated read with its provenance.
func okSourced[T any](c *gin.Context, message string, r aggregator.Result[T]) {
	env := envelope{Success: true, Message: message, Data: r.Value, Source: r.Source, Timestamp: now()}
	if !r.AsOf.IsZero() {
		asOf := r.AsOf.UTC()
		env.AsOf = &asOf
	}
	c.JSON(http.StatusOK, env)
}

// statusFor maps an error class onto the HTTP status.
func statusFor(e *apperr.Error) int {
	switch {
	case errors.Is(e, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(e, apperr.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	switch e.Class {
	case apperr.ClassAuth:
		return http.StatusUnauthorized
	case apperr.ClassValidation:
		return http.StatusBadRequest
	case apperr.ClassConflict:
		return http.StatusConflict
	case apperr.ClassNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail renders err through the envelope and aborts the chain.
func fail(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) && !apperr.IsClass(err, apperr.ClassUpstream) {
		err = apperr.ErrTimeout.Wrap(err)
	}
	e := apperr.From(err)
	status := statusFor(e)

	detail := e.Detail
	if detail == "" && e.Err != nil && e.Class != apperr.ClassInternal {
		detail = e.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, envelope{
		Success:   false,
		Message:   e.Message,
		Timestamp: now(),
		Code:      e.Code,
		Detail:    detail,
	})
}

// RejectHandshake renders a refused WebSocket handshake. It runs before any
// upgrade, so the client sees a plain 401 with the usual envelope.
func RejectHandshake(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Message:   e.Message,
		Timestamp: now(),
		Code:      e.Code,
		Detail:    e.Detail,
	})
}
