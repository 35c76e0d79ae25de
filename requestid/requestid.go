// Package requestid atribui um id a cada requisição e o propaga pelo context.
package requestid

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderKey  = "X-Request-ID"
	contextKey = "request_id"

	// maxLen limita ids vindos do cliente, que acabam em logs e na auditoria.
	maxLen = 128
)

type ctxKey struct{}

// Middleware reaproveita o X-Request-ID recebido ou gera um novo. O id fica no
// gin.Context, no context da requisição, na resposta e no header repassado ao upstream.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderKey))
		if id == "" || len(id) > maxLen {
			id = uuid.NewString()
		}

		c.Set(contextKey, id)
		c.Request.Header.Set(HeaderKey, id)
		c.Request = c.Request.WithContext(WithValue(c.Request.Context(), id))
		c.Writer.Header().Set(HeaderKey, id)

		c.Next()
	}
}

// Value devolve o id guardado no gin.Context.
func Value(c *gin.Context) string {
	if v, ok := c.Get(contextKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func WithValue(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext devolve o id da requisição, ou "" fora de uma.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
