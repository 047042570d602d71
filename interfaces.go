package mamori

import "net/http"

// Middleware wraps the server's root handler. It runs before authentication,
// so it sees every request, including the public health and metrics routes.
type Middleware = func(http.Handler) http.Handler
