// Package auth liga o codec de tokens e o ledger de sessão ao gin: middleware de
// bearer, guarda de papéis e os handlers de emissão, troca e revogação.
package auth

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"docuhub-gateway/auth/domain"
	"docuhub-gateway/failure"
	"docuhub-gateway/logging"
)

// ContextKey é a chave do gin.Context com o domain.AuthContext verificado.
const ContextKey = "auth"

// Headers repassados ao upstream depois da verificação.
const (
	HeaderSubject = "X-Auth-Subject"
	HeaderRole    = "X-Auth-Role"
	HeaderTenant  = "X-Auth-Tenant"
)

const bearerPrefix = "Bearer "

// Verifier é o lado do codec usado pelo middleware.
type Verifier interface {
	Verify(token string) (domain.AuthContext, error)
}

// FailureObserver conta falhas de autenticação por código.
type FailureObserver interface {
	ObserveAuthFailure(code string)
}

// TenantPolicy decide o tenant de uma identidade cujo token não traz "tid".
type TenantPolicy struct {
	// Enforced rejeita a identidade com ErrTenantMissing.
	Enforced bool
	// Default é usado quando Enforced está desligado.
	Default string
}

func (p TenantPolicy) Resolve(tenantID string) (string, error) {
	if tenantID != "" {
		return tenantID, nil
	}
	if p.Enforced || p.Default == "" {
		return "", failure.ErrTenantMissing
	}
	return p.Default, nil
}

// Bearer exige "Authorization: Bearer <token>" válido e resolve o tenant da
// identidade. obs pode ser nil.
func Bearer(v Verifier, obs FailureObserver, tenants TenantPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			reject(c, obs, failure.ErrAuthMissing)
			return
		}
		raw, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok {
			reject(c, obs, failure.ErrAuthInvalidScheme)
			return
		}

		who, err := v.Verify(raw)
		if err != nil {
			reject(c, obs, err)
			return
		}
		if who.TenantID, err = tenants.Resolve(who.TenantID); err != nil {
			reject(c, obs, err)
			return
		}

		c.Set(ContextKey, who)
		h := c.Request.Header
		h.Set(HeaderSubject, who.Subject)
		h.Set(HeaderRole, who.Role)
		h.Set(HeaderTenant, who.TenantID)
		c.Next()
	}
}

// RequireRoles deixa passar só quem tem um dos papéis. Precisa rodar depois de Bearer.
func RequireRoles(obs FailureObserver, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := FromContext(c)
		if !ok {
			reject(c, obs, failure.ErrAuthMissing)
			return
		}
		if !slices.Contains(roles, who.Role) {
			reject(c, obs, failure.ErrAuthForbidden)
			return
		}
		c.Next()
	}
}

// FromContext devolve a identidade deixada por Bearer.
func FromContext(c *gin.Context) (domain.AuthContext, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return domain.AuthContext{}, false
	}
	who, ok := v.(domain.AuthContext)
	return who, ok
}

func reject(c *gin.Context, obs FailureObserver, err error) {
	if obs != nil {
		obs.ObserveAuthFailure(failure.FromError(err).Code)
	}
	abort(c, err)
}

// abort escreve o envelope de erro e interrompe a cadeia.
func abort(c *gin.Context, err error) {
	appErr := failure.FromError(err)
	c.Set(logging.ErrorCodeKey, appErr.Code)
	if err != nil && appErr.Status >= 500 {
		_ = c.Error(err)
	}
	if appErr.RetryAfter > 0 {
		secs := int(appErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(appErr.Status, failure.Envelope{Error: appErr})
}
