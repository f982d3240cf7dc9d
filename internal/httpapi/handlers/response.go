package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/assistant-sessions/internal/httpapi/middleware"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// internalError logs err against the request and answers with a generic 500.
func internalError(c *gin.Context, op string, err error) {
	zerolog.Ctx(c.Request.Context()).Err(err).Str("op", op).Msg("Conversation store operation failed")
	fail(c, http.StatusInternalServerError, 50001, "internal error")
}

func identity(c *gin.Context) (middleware.Identity, bool) {
	id, found := middleware.IdentityFrom(c)
	if !found {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, found
}
