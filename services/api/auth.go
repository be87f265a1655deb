package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// authenticate requires a valid bearer token when a signer is configured.
// Browsers cannot set headers on websocket upgrades, so the token may also
// arrive as the access_token query parameter there.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.signer == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tfgate"`)
			respondError(w, http.StatusUnauthorized, errors.New("bearer token required"))
			return
		}
		claims, err := a.signer.Verify(token)
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("token rejected")
			w.Header().Set("WWW-Authenticate", `Bearer realm="tfgate", error="invalid_token"`)
			respondError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}

		logger := zerolog.Ctx(r.Context()).With().Str("subject", claims.Subject).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
