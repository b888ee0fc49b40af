// Package rfc9111 implements the parts of HTTP Caching (RFC 9111) that a
// private client cache relies on: directive parsing, storable headers,
// secondary keys, freshness and age.
//
// Lines starting with § quote the RFC.
package rfc9111
