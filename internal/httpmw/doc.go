// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, request ID, client IP extraction, flood limiting,
// OTEL tracing, metrics, and structured logging wrap every request, while
// the per-route guards (sliding-window rate limit, content-type validation,
// HTTPS enforcement) are attached to individual routes and run before the
// route's handler.
//
// Guards never propagate errors: each one either calls the next handler or
// short-circuits with a JSON error body, emitting a security event through
// the Reporter it was built with.
package httpmw
