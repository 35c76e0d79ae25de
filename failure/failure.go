// Package failure define a taxonomia de falhas tipadas devolvidas até a borda (HTTP).
//
// Cada falha carrega um código estável, uma mensagem e o status HTTP para o qual a
// camada de transporte deve traduzi-la. Falhas nunca vazam como erro interno opaco:
// qualquer erro desconhecido é normalizado para ErrInternal por FromError.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error é uma falha tipada com status HTTP associado.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	// RetryAfter só é preenchido em falhas de rate limit.
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is compara pelo código, então errors.Is(err, ErrRefreshRevoked) funciona
// mesmo para clones com mensagem diferente.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap anexa a causa a uma falha pré-definida.
func Wrap(err error, base *Error, message string) *Error {
	out := Clone(base, message)
	out.Err = err
	return out
}

// Clone copia a falha permitindo trocar a mensagem.
func Clone(base *Error, message string) *Error {
	if base == nil {
		return nil
	}
	clone := *base
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// FromError normaliza qualquer erro para *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal, "")
}

// Borda (apresentação da credencial).
var (
	ErrAuthMissing       = New("auth_missing", http.StatusUnauthorized, "missing Authorization header")
	ErrAuthInvalidScheme = New("auth_invalid_scheme", http.StatusUnauthorized, "authorization must be a Bearer token")
	ErrAuthForbidden     = New("auth_forbidden", http.StatusForbidden, "insufficient role privileges")
	ErrTenantMissing     = New("tenant_missing", http.StatusForbidden, "missing tenant context")
)

// Token Codec.
var (
	ErrInvalidToken     = New("auth_invalid_token", http.StatusUnauthorized, "invalid authentication token")
	ErrInvalidSignature = New("auth_invalid_signature", http.StatusUnauthorized, "invalid authentication signature")
	ErrTokenExpired     = New("auth_token_expired", http.StatusUnauthorized, "authentication token expired")
	ErrInvalidRole      = New("auth_invalid_role", http.StatusUnauthorized, "invalid authentication role")
)

// Session Ledger.
var (
	ErrRefreshNotFound = New("auth_refresh_invalid", http.StatusUnauthorized, "invalid refresh token")
	ErrRefreshExpired  = New("auth_refresh_expired", http.StatusUnauthorized, "refresh token expired")
	ErrRefreshRevoked  = New("auth_refresh_revoked", http.StatusUnauthorized, "refresh token revoked")
)

// Admissão.
var (
	ErrRateLimited  = New("rate_limited", http.StatusTooManyRequests, "too many requests")
	ErrOverCapacity = New("over_capacity", http.StatusServiceUnavailable, "server over capacity")
)

var (
	ErrValidation = New("validation_error", http.StatusBadRequest, "validation failed")
	ErrInternal   = New("internal_error", http.StatusInternalServerError, "internal server error")
)
