package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/glacier/pkg/types"
)

// requestContext builds a types.RequestContext from the identity
// headers an upstream auth filter supplies. When X-Auth-Token is
// absent the context is anonymous is_admin=true, matching "for
// un-gated deployments"; when present but X-Identity-Status is not
// Confirmed, the context carries the token with no trusted identity
// fields at all.
func requestContext(r *http.Request) types.RequestContext {
	ctx := types.RequestContext{
		AuthToken: authToken(r),
	}
	if ctx.AuthToken == "" {
		ctx.IsAdmin = true
	}
	if r.Header.Get("X-Identity-Status") == "Confirmed" {
		ctx.UserID = r.Header.Get("X-User")
		ctx.TenantID = r.Header.Get("X-Tenant")
		ctx.Roles = splitRoles(r.Header.Get("X-Role"))
		if hasRole(ctx.Roles, "Admin") {
			ctx.IsAdmin = true
		}
	}
	// ?deleted=<bool> is parsed the same way parseQueryBool parses it for
	// the listing path (pkg/api/images.go): only a true boolean value
	// sets ShowDeleted, so ?deleted=false or an unparseable value never
	// grants the show-deleted override to a caller who isn't admin.
	if v := r.URL.Query().Get("deleted"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			ctx.ShowDeleted = b
		}
	}
	return ctx
}

func authToken(r *http.Request) string {
	if t := r.Header.Get("X-Auth-Token"); t != "" {
		return t
	}
	return r.Header.Get("X-Storage-Token")
}

func splitRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}
