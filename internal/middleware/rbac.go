package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/response"
)

// RequireRoles lets the request through only for the listed roles. It must run
// after JWT.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claims := CurrentUser(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "role "+string(claims.Role)+" may not perform this action"))
			return
		}
		c.Next()
	}
}

// RequireStaff allows registration staff only.
func RequireStaff() gin.HandlerFunc {
	return RequireRoles(models.StaffRoles...)
}

// ActingStudent resolves the student a request acts for. Staff may name any
// student; a student may only name themselves, and an empty value defaults to
// their own ID.
func ActingStudent(claims *models.JWTClaims, requested string) (string, error) {
	if claims == nil {
		return "", appErrors.ErrUnauthorized
	}
	if claims.Role.IsStaff() {
		if requested == "" {
			return "", appErrors.Clone(appErrors.ErrValidation, "student_id is required")
		}
		return requested, nil
	}
	if claims.Role != models.RoleStudent {
		return "", appErrors.ErrForbidden
	}
	if requested != "" && requested != claims.StudentID {
		return "", appErrors.Clone(appErrors.ErrForbidden, "students may only act on their own enrollments")
	}
	return claims.StudentID, nil
}
