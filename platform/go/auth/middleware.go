package auth

import (
	"net/http"
	"strings"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
)

// ExtractBearer pulls the bearer token from the Authorization header.
func ExtractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// TokenFromRequest pulls credentials for endpoints browsers reach without
// custom headers: the Authorization header first, then the access_token query
// parameter used by EventSource and websocket clients.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := ExtractBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	return token, token != ""
}

// ResolveRequest resolves an identity outside the middleware chain. Stream
// endpoints use it so websocket upgrades can reject with a close frame
// instead of an HTTP status.
func ResolveRequest(r *http.Request, store *Store, disabled bool) (*Identity, error) {
	if disabled {
		return LocalDevIdentity(), nil
	}
	if store == nil {
		return nil, httperr.Unauthorized("missing bearer token")
	}

	token, found := TokenFromRequest(r)
	if !found {
		return nil, httperr.Unauthorized("missing bearer token")
	}
	identity, ok := store.Index().Lookup(token)
	if !ok {
		return nil, httperr.Unauthorized("unknown token")
	}
	return identity, nil
}

// Middleware resolves the caller identity and stores it on the context.
// With disabled=true every request runs as the synthetic local-dev identity.
func Middleware(store *Store, disabled bool) func(http.Handler) http.Handler {
	if store == nil && !disabled {
		panic("auth.Middleware: store must not be nil when auth is enabled")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if disabled {
				ctx := WithIdentity(r.Context(), LocalDevIdentity())
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, found := ExtractBearer(r)
			if !found {
				w.Header().Set("WWW-Authenticate", `Bearer realm="metastore"`)
				httperr.Write(w, httperr.Unauthorized("missing bearer token"))
				return
			}

			identity, ok := store.Index().Lookup(token)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="metastore", error="invalid_token"`)
				httperr.Write(w, httperr.Unauthorized("unknown token"))
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope gates a route subtree on a scope; admin always passes.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				httperr.Write(w, httperr.Unauthorized("missing identity"))
				return
			}
			if !identity.HasScope(scope) {
				httperr.Write(w, httperr.Forbidden("missing scope "+scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
