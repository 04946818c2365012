package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-campaigns/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, workspaceID, role string, mw ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", workspaceID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	chain = append(chain, mw...)
	chain = append(chain, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "w", RoleSuperAdmin, RequireWorkspace(), RequireAnyRole(RoleOwner)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	if code := serve(t, "w", RoleSupport, RequireWorkspace(), RequireAnyRole(RoleOwner)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "w", RoleSupport, RequireWorkspace(), RequireAnyRole(RoleOwner, RoleSupport)); code != http.StatusOK {
		t.Fatalf("expected 200 when explicitly allowed, got %d", code)
	}
}

func TestRequireWorkspace_Required(t *testing.T) {
	if code := serve(t, "", RoleOwner, RequireWorkspace(), RequireAnyRole(RoleOwner)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequirePermission(t *testing.T) {
	cases := []struct {
		role string
		perm Permission
		want int
	}{
		{RoleAnalyst, PermCampaignRead, http.StatusOK},
		{RoleAnalyst, PermCampaignOperate, http.StatusForbidden},
		{RoleOperator, PermCampaignOperate, http.StatusOK},
		{RoleOperator, PermQueueRecover, http.StatusForbidden},
		{RoleSupport, PermQueueRecover, http.StatusOK},
		{RoleSupport, PermCampaignWrite, http.StatusForbidden},
		{RoleSuperAdmin, PermQueueRecover, http.StatusOK},
		{"", PermCampaignRead, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if code := serve(t, "w", tc.role, RequirePermission(tc.perm)); code != tc.want {
			t.Fatalf("role %q perm %s: expected %d, got %d", tc.role, tc.perm, tc.want, code)
		}
	}
}
