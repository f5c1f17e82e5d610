// Package middleware provides the HTTP middleware stack for the warden API.
//
// # Middleware Components
//
// RequestID: tags each request with a UUID
//
//	router.Use(middleware.RequestID)
//
// Logging: structured request logs with status, duration and request id
//
//	router.Use(middleware.Logging(logger))
//
// Recovery: converts handler panics into opaque 500 responses
//
//	router.Use(middleware.Recovery(logger))
//
// RateLimit: Redis-backed fixed-window limiting keyed per caller
//
//	limiter := middleware.NewRateLimiter(redisClient, middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimit(limiter))
//
// Authentication and tenant resolution are not middleware concerns here;
// the dispatcher establishes the tenant context per operation.
package middleware
