package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/auth-gateway/internal/models"
)

// requestMeta collects client details for endpoints without a body.
func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}
