// Package httpmw provides net/http middleware that adapts the forwarded and
// drain packages (plus the usual quality-of-life wrappers) to a host service.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// recovery, request ID, client address resolution, rate limiting, tracing,
// drain admission, metrics, and structured logging. Each middleware is an
// independent function that can be tested, reordered, or removed
// individually. User-supplied data (query params, user-agent, bodies) is
// intentionally excluded from logs to prevent PII leaks and log injection.
package httpmw
