package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"docuhub-gateway/auth/domain"
	"docuhub-gateway/failure"
)

// HeaderIssuerKey carrega a chave do serviço confiável que pode emitir tokens.
const HeaderIssuerKey = "X-Issuer-Key"

const roleAdmin = "admin"

// Sessions é o que os handlers usam do ledger.
type Sessions interface {
	Issue(ctx context.Context, userID, role, tenantID string) (domain.TokenPair, error)
	Refresh(ctx context.Context, presented string) (domain.TokenPair, error)
	Revoke(ctx context.Context, presented string) error
	RevokeAll(ctx context.Context, tenantID, userID string) (int64, error)
}

type Handler struct {
	sessions  Sessions
	verifier  Verifier
	roles     []string
	issuerKey []byte
	tenants   TenantPolicy
	obs       FailureObserver
}

type HandlerOptions struct {
	Sessions Sessions
	Verifier Verifier
	// Roles aceitos em POST /auth/token.
	Roles []string
	// IssuerKey vazio desliga POST /auth/token.
	IssuerKey string
	Tenants   TenantPolicy
	Observer  FailureObserver
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		sessions: opts.Sessions,
		verifier: opts.Verifier,
		roles:    slices.Clone(opts.Roles),
		tenants:  opts.Tenants,
		obs:      opts.Observer,
	}
	if opts.IssuerKey != "" {
		h.issuerKey = []byte(opts.IssuerKey)
	}
	return h
}

// Register monta as rotas de /auth no grupo.
func (h *Handler) Register(rg *gin.RouterGroup) {
	bearer := Bearer(h.verifier, h.obs, h.tenants)

	g := rg.Group("/auth")
	if h.issuerKey != nil {
		g.POST("/token", h.IssueToken)
	}
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.POST("/revoke", bearer, h.RevokeAll)
	g.GET("/me", bearer, h.Me)
}

type issueRequest struct {
	Subject  string `json:"subject" binding:"required,max=128"`
	Role     string `json:"role" binding:"required"`
	TenantID string `json:"tenant_id" binding:"required,max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type revokeRequest struct {
	UserID string `json:"user_id" binding:"omitempty,max=128"`
}

// IssueToken emite um par para o sujeito informado. Só para o serviço que autentica
// o usuário, identificado pela chave de emissor.
func (h *Handler) IssueToken(c *gin.Context) {
	presented := []byte(c.GetHeader(HeaderIssuerKey))
	if subtle.ConstantTimeCompare(presented, h.issuerKey) != 1 {
		reject(c, h.obs, failure.Clone(failure.ErrAuthForbidden, "invalid issuer key"))
		return
	}

	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, failure.Wrap(err, failure.ErrValidation, "invalid token request"))
		return
	}
	if !slices.Contains(h.roles, req.Role) {
		abort(c, failure.Clone(failure.ErrValidation, "role not allowed"))
		return
	}

	pair, err := h.sessions.Issue(c.Request.Context(), req.Subject, req.Role, req.TenantID)
	if err != nil {
		abort(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, failure.Wrap(err, failure.ErrValidation, "refresh token required"))
		return
	}

	pair, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		reject(c, h.obs, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, pair)
}

// Logout revoga o refresh token apresentado. Repetir o logout devolve 204 de novo.
func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, failure.Wrap(err, failure.ErrValidation, "refresh token required"))
		return
	}
	if err := h.sessions.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		reject(c, h.obs, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RevokeAll derruba todas as sessões de um usuário do tenant do chamador. Sem
// user_id o alvo é o próprio chamador; outro usuário só com papel admin.
func (h *Handler) RevokeAll(c *gin.Context) {
	who, ok := FromContext(c)
	if !ok {
		reject(c, h.obs, failure.ErrAuthMissing)
		return
	}

	var req revokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, failure.Wrap(err, failure.ErrValidation, "invalid revoke request"))
			return
		}
	}
	target := req.UserID
	if target == "" {
		target = who.Subject
	}
	if target != who.Subject && who.Role != roleAdmin {
		reject(c, h.obs, failure.ErrAuthForbidden)
		return
	}

	n, err := h.sessions.RevokeAll(c.Request.Context(), who.TenantID, target)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n, "user_id": target, "tenant_id": who.TenantID})
}

func (h *Handler) Me(c *gin.Context) {
	who, ok := FromContext(c)
	if !ok {
		reject(c, h.obs, failure.ErrAuthMissing)
		return
	}
	c.JSON(http.StatusOK, who)
}
