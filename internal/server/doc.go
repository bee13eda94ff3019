/*
Package server provides the HTTP router and middleware shared by every route
of the key carousel.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware tags each request with a UUID, reusing a well-formed
inbound X-Request-ID. The ID is stored in the context (GetRequestID) and
echoed in the X-Request-ID response header.

## Logging (logging.go)

LoggingMiddleware emits one "request started" and one "request completed"
record per request. Handlers add fields to the completion record through
AddLogField and AddError. The wrapped writer forwards Flush and Unwrap so
streamed responses are not buffered.

## Authentication (authmiddleware.go)

AuthMiddleware runs the access gate from package auth. It only rejects when
the gate is enforced, which happens on public binds with a configured key
list.

## Timeout (timeout.go)

TimeoutMiddleware bounds the request context. It is off by default because
streamed completions can run for minutes.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. TimeoutMiddleware (optional)
 4. Recoverer
 5. OTel instrumentation
 6. AuthMiddleware (per route group)

Unrouted paths and disallowed methods both answer 404 "No route for <path>".
*/
package server
