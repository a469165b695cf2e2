// Package scope carries the caller's tenant identity on context.Context.
//
// Organization identity travels as a forge.Scope (forge.WithScope /
// forge.ScopeFrom) so handlers and HTTP middleware built on forge see the
// same scope. The guard package reads it through OrgFrom on every instance,
// step and actor access.
package scope

import (
	"context"

	"github.com/xraph/forge"
)

type systemKey struct{}

// Capture extracts the app and org identifiers from the context.
// Returns empty strings if no scope is present.
func Capture(ctx context.Context) (appID, orgID string) {
	s, ok := forge.ScopeFrom(ctx)
	if !ok {
		return "", ""
	}
	return s.AppID(), s.OrgID()
}

// Restore attaches a scope built from appID and orgID. If both are empty
// the context is returned unchanged.
func Restore(ctx context.Context, appID, orgID string) context.Context {
	if appID == "" && orgID == "" {
		return ctx
	}
	var s forge.Scope
	if orgID != "" {
		s = forge.NewOrgScope(appID, orgID)
	} else {
		s = forge.NewAppScope(appID)
	}
	return forge.WithScope(ctx, s)
}

// WithOrg scopes ctx to orgID, keeping any app identity already present.
func WithOrg(ctx context.Context, orgID string) context.Context {
	appID, _ := Capture(ctx)
	return Restore(ctx, appID, orgID)
}

// OrgFrom returns the organization carried by ctx.
func OrgFrom(ctx context.Context) (string, bool) {
	_, orgID := Capture(ctx)
	return orgID, orgID != ""
}

// WithSystem marks ctx as an internal engine context allowed to list rows
// across organizations. Per-row access still requires a matching org scope.
func WithSystem(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemKey{}, true)
}

// IsSystem reports whether ctx was marked by WithSystem.
func IsSystem(ctx context.Context) bool {
	v, _ := ctx.Value(systemKey{}).(bool)
	return v
}
