// Package redis offers Redis-backed primitives shared across service replicas.
// Today that is the fixed-window rate limiter used in front of the wallet
// issuing and external registration endpoints.
package redis
