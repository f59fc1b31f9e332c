package api

import (
	_ "embed"
	"net/http"
	"strings"

	"maiachat/backend/internal/auth"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI YAML document with the {oktaIssuer}
// placeholder replaced, so the published document carries the real
// authorization endpoints.
func SpecHandler(oktaIssuer string) http.HandlerFunc {
	spec := strings.ReplaceAll(openAPISpec, "{oktaIssuer}", oktaIssuer)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(spec))
	}
}

// SwaggerHandler serves Swagger UI for the workflow API. Authorization uses
// the authorization code flow with PKCE against the Okta issuer, so only the
// public client id is embedded in the page.
func SwaggerHandler(oktaDomain, clientID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", requestOrigin(r)+"/docs/oauth2-redirect.html",
			"${OKTA_DOMAIN}", oktaDomain,
			"${CLIENT_ID}", clientID,
			"${SCOPES}", strings.Join(auth.AllScopes, " "),
		).Replace(swaggerHTML)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI.
func OAuthRedirectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(oauthRedirectHTML))
}

// requestOrigin is scheme://host as the browser sees it. A TLS-terminating
// proxy reports the original scheme in X-Forwarded-Proto.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8" />
	<title>maiachat workflows API</title>
	<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
	<style>
		.dialog-ux input[name="client_id"], .dialog-ux label[for="client_id"] { display: none !important; }
		#issuer { font-family: sans-serif; font-size: 12px; margin: 8px 20px; color: #555; }
	</style>
</head>
<body>
	<div id="issuer">Issuer: ${OKTA_DOMAIN}</div>
	<div id="swagger-ui"></div>
	<script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
	<script>
	window.onload = function () {
		const ui = SwaggerUIBundle({
			url: "${SPEC_URL}",
			dom_id: "#swagger-ui",
			presets: [SwaggerUIBundle.presets.apis],
			layout: "BaseLayout",
			oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
			persistAuthorization: true,
		});
		ui.initOAuth({
			clientId: "${CLIENT_ID}",
			usePkceWithAuthorizationCodeGrant: true,
			scopes: "${SCOPES}",
		});
		window.ui = ui;
	};
	</script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
	window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
