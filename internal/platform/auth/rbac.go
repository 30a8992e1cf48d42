package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		if level := roleLevels[strings.ToLower(strings.TrimSpace(role))]; level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// adminActions are run transitions that override an operator decision.
var adminActions = map[string]struct{}{
	"resume": {},
	"abort":  {},
}

// RequiredRoleForRequest: reads need viewer, mutations editor, resume and abort admin.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		if _, ok := adminActions[path[i+1:]]; ok && strings.HasPrefix(path, "/runs/") {
			return RoleAdmin
		}
	}
	return RoleEditor
}

func RouteRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		required := RequiredRoleForRequest(r)
		if HasAtLeast(identity.Roles, required) {
			return nil
		}
		return ForbiddenError{Required: required}
	}
}
