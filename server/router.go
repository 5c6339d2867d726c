package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router assembles the HTTP surface: public protocol endpoints, discovery,
// and the bearer-protected admin API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(31536000))
	}

	// OIDC discovery.
	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Route("/api/oauth", func(r chi.Router) {
		r.Get("/jwks", a.handleJWKS)
		r.Get("/server-info", a.handleServerInfo)

		r.Get("/authorize", a.handleAuthorize)
		r.Post("/token", a.handleToken)

		r.Get("/login", a.handleLoginInfo)
		r.Post("/login", a.handleLoginSubmit)
		r.Post("/login/2fa", a.handleLogin2FA)
		r.Get("/login/callback", a.handleLoginCallback)

		r.Get("/consent", a.handleConsentInfo)
		r.Post("/consent", a.handleConsentSubmit)
		r.Post("/consent/reject", a.handleConsentReject)

		r.Get("/userinfo", a.handleUserInfo)
		r.Post("/introspect", a.handleIntrospect)
		r.Post("/revoke", a.handleRevoke)
		r.Post("/logout", a.handleLogout)

		// Key administration.
		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(a.Config.Server.AdminToken, a.Config.Server.DevMode, a.Logger))
			r.Get("/keys", a.handleKeyList)
			r.Post("/keys/rotate", a.handleKeyRotate)
			r.Post("/keys/import_pem", a.handleKeyImportPEM)
			r.Post("/keys/generate_file", a.handleKeyGenerateFile)
			r.Delete("/keys/{kid}", a.handleKeyDelete)
		})
	})

	r.Route("/api/oauth_clients", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(a.Config.Server.AdminToken, a.Config.Server.DevMode, a.Logger))
		r.Get("/", a.handleClientList)
		r.Post("/", a.handleClientCreate)
		r.Put("/", a.handleClientUpdate)
		r.Get("/{id}", a.handleClientGet)
		r.Delete("/{id}", a.handleClientDelete)
		r.Post("/{id}/regenerate_secret", a.handleClientRegenerateSecret)
	})

	return r
}
