package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the *jwt.Claims of an API request
const ClaimsKey = "claims"

// JWTAuthMiddleware rejects requests without a valid bearer token. When admins
// is not empty the token subject must also be listed there.
func JWTAuthMiddleware(verifier TokenVerifier, admins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if verifier == nil || len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := verifier.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if len(admins) > 0 && !slices.Contains(admins, claims.UserID()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
