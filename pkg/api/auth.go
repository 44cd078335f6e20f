package api

import (
	"github.com/gin-gonic/gin"
)

// extractAuthor extracts the author from oauth2-proxy headers.
// Priority: X-Forwarded-User > X-Forwarded-Email > "api-client"
func extractAuthor(c *gin.Context) string {
	if user := c.Request.Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request.Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}
