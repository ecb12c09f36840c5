package mid

import (
	"crypto/subtle"
	"net/http"
)

// BasicAuth protects a standard library handler with a user and password.
// An empty user disables the check.
func BasicAuth(user string, pass string, handler http.Handler) http.Handler {
	if user == "" {
		return handler
	}

	h := func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {

			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		handler.ServeHTTP(w, r)
	}

	return http.HandlerFunc(h)
}
