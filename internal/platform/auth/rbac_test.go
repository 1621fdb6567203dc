package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func withRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func ok(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{"billing"}, true},
		{"admin bypass", []string{"admin"}, true},
		{"other role", []string{"nurse"}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireRole("billing", "accountant")(ok)(withRoles(tt.roles...))
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			var httpErr *echo.HTTPError
			if assert.ErrorAs(t, err, &httpErr) {
				assert.Equal(t, http.StatusForbidden, httpErr.Code)
				assert.Contains(t, httpErr.Message, "billing or accountant")
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	assert.Equal(t, "user-123", UserIDFromContext(ctx))
	assert.Empty(t, UserIDFromContext(context.Background()))
	assert.Nil(t, RolesFromContext(context.Background()))
}
