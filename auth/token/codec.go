// Package token implementa o codec de access tokens: três segmentos base64url
// (header.payload.assinatura) assinados com HMAC-SHA256 sobre uma chave compartilhada.
//
// A assinatura é conferida antes de o payload ser decodificado, então qualquer byte
// alterado no header ou no payload resulta em InvalidSignature.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docuhub-gateway/auth/domain"
	"docuhub-gateway/failure"
)

// DefaultRole é o papel assumido quando o payload não traz "role".
const DefaultRole = "user"

var encoding = base64.RawURLEncoding

// header fixo; pré-codificado uma vez.
var encodedHeader = encoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type Options struct {
	Secret       []byte
	DefaultTTL   time.Duration
	AllowedRoles []string
	Now          func() time.Time
}

// Codec assina e verifica access tokens. Não guarda estado mutável; seguro para uso
// concorrente.
type Codec struct {
	secret     []byte
	defaultTTL time.Duration
	roles      []string
	now        func() time.Time
}

type claims struct {
	Subject  string           `json:"sub"`
	Role     string           `json:"role"`
	TenantID string           `json:"tid,omitempty"`
	IssuedAt *jwt.NumericDate `json:"iat,omitempty"`
	Expires  *jwt.NumericDate `json:"exp,omitempty"`
}

func New(opts Options) (*Codec, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	if len(opts.AllowedRoles) == 0 {
		return nil, errors.New("token: empty role set")
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Codec{
		secret:     slices.Clone(opts.Secret),
		defaultTTL: opts.DefaultTTL,
		roles:      slices.Clone(opts.AllowedRoles),
		now:        opts.Now,
	}, nil
}

// DefaultTTL é a validade usada quando Sign recebe ttl <= 0.
func (c *Codec) DefaultTTL() time.Duration { return c.defaultTTL }

// Sign emite um token para subject/role/tenant válido por ttl (ou DefaultTTL).
func (c *Codec) Sign(subject, role, tenantID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	issued := c.now()
	now := issued.Truncate(time.Second)
	// exp tem precisão de segundo: arredonda para cima para o token nunca
	// expirar antes de ttl.
	exp := issued.Add(ttl)
	if t := exp.Truncate(time.Second); t.Before(exp) {
		exp = t.Add(time.Second)
	}

	payload, err := json.Marshal(claims{
		Subject:  subject,
		Role:     role,
		TenantID: tenantID,
		IssuedAt: jwt.NewNumericDate(now),
		Expires:  jwt.NewNumericDate(exp),
	})
	if err != nil {
		return "", failure.Wrap(err, failure.ErrInternal, "encode token payload")
	}

	signingInput := encodedHeader + "." + encoding.EncodeToString(payload)
	sig, err := jwt.SigningMethodHS256.Sign(signingInput, c.secret)
	if err != nil {
		return "", failure.Wrap(err, failure.ErrInternal, "sign token")
	}
	return signingInput + "." + encoding.EncodeToString(sig), nil
}

// Verify confere e decodifica um token. Ordem das checagens: formato, assinatura,
// payload, expiração, papel.
func (c *Codec) Verify(token string) (domain.AuthContext, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return domain.AuthContext{}, failure.ErrInvalidToken
	}

	sig, err := encoding.DecodeString(parts[2])
	if err != nil {
		return domain.AuthContext{}, failure.ErrInvalidSignature
	}
	// Verify do jwt compara com hmac.Equal (tempo constante).
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, c.secret); err != nil {
		return domain.AuthContext{}, failure.ErrInvalidSignature
	}

	raw, err := encoding.DecodeString(parts[1])
	if err != nil {
		return domain.AuthContext{}, failure.ErrInvalidToken
	}
	var cl claims
	if err := json.Unmarshal(raw, &cl); err != nil {
		return domain.AuthContext{}, failure.ErrInvalidToken
	}

	var exp time.Time
	if cl.Expires != nil {
		exp = cl.Expires.Time
	}
	if !c.now().Before(exp) {
		return domain.AuthContext{}, failure.ErrTokenExpired
	}

	role := cl.Role
	if role == "" {
		role = DefaultRole
	}
	if !slices.Contains(c.roles, role) {
		return domain.AuthContext{}, failure.ErrInvalidRole
	}

	who := domain.AuthContext{Subject: cl.Subject, Role: role, TenantID: cl.TenantID, ExpiresAt: exp}
	if cl.IssuedAt != nil {
		who.IssuedAt = cl.IssuedAt.Time
	}
	return who, nil
}
