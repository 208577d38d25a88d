package oidc

import "strings"

// conservativeScopes is used for providers without a known scope vocabulary.
var conservativeScopes = []string{"openid", "email"}

// providerScopes lists the scopes each identity provider family accepts.
var providerScopes = map[string][]string{
	"okta":    {"openid", "email", "offline_access"},
	"auth0":   {"openid", "email", "offline_access"},
	"entra":   {"openid", "email", "offline_access"},
	"cognito": {"openid", "email"},
}

// ScopesFor returns the scopes to request from the named provider family.
func ScopesFor(idpName string) []string {
	scopes, ok := providerScopes[strings.ToLower(strings.TrimSpace(idpName))]
	if !ok {
		scopes = conservativeScopes
	}
	return append([]string(nil), scopes...)
}

// BuildAuthorizationURL returns the authorization-code request URL. The
// output depends only on its inputs.
func BuildAuthorizationURL(ep Endpoints, clientID, redirectURL, state string, scopes []string) string {
	return oauthConfig(ep, clientID, "", redirectURL, scopes).AuthCodeURL(state)
}
