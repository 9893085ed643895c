package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lucasnoah/leadflow/internal/apperr"
)

const (
	headerRequestID = "X-Request-ID"
	headerActor     = "X-Actor-ID"

	ctxRequestID = "request_id"
	ctxActor     = "actor"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Error()
		}
		ev.Str("request_id", c.GetString(ctxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Str("actor", c.GetString(ctxActor)).
			Msg("request")
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("request_id", c.GetString(ctxRequestID)).Interface("panic", r).Msg("handler panicked")
				respondErr(c, apperr.E(apperr.KindInternal, "handle request", "panic: %v", r))
				c.Abort()
			}
		}()
		c.Next()
	}
}

// requireToken accepts any configured ops token as a bearer token. With no
// tokens configured every request is refused.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !s.validToken(strings.TrimSpace(token)) {
			respondErr(c, apperr.E(apperr.KindUnauthorized, "authenticate", "missing or invalid bearer token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) validToken(token string) bool {
	if token == "" {
		return false
	}
	valid := false
	for _, t := range s.cfg.OpsTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(headerActor))
		if actor == "" {
			respondErr(c, apperr.E(apperr.KindUnauthorized, "authenticate", "%s header is required", headerActor))
			c.Abort()
			return
		}
		c.Set(ctxActor, actor)
		c.Next()
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func respondErr(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), errorBody{
		Error:     err.Error(),
		Kind:      string(apperr.KindOf(err)),
		RequestID: c.GetString(ctxRequestID),
	})
}

// bind decodes an optional JSON body. An empty body leaves v untouched.
func bind(c *gin.Context, op string, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("decoding body: %w", err))
	}
	return nil
}
