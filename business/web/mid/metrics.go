package mid

import (
	"context"
	"net/http"

	"github.com/ardanlabs/casino/foundation/blockchain/metrics"
	"github.com/ardanlabs/casino/foundation/web"
)

// Metrics counts the requests handled by the api. It runs after Errors so
// the final status code is known.
func Metrics(api string, m *metrics.Metrics) web.Middleware {

	// This is the actual middleware function to be executed.
	mw := func(handler web.Handler) web.Handler {

		// Create the handler that will be attached in the middleware chain.
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := handler(ctx, w, r)

			code := http.StatusOK
			if v, verr := web.GetValues(ctx); verr == nil && v.StatusCode != 0 {
				code = v.StatusCode
			}
			m.IncRequest(api, code)

			return err
		}

		return h
	}

	return mw
}
