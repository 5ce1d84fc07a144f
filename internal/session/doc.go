// Package session resolves opaque session tokens to users.
//
// Service validates tokens locally against the cache and the database and backs the
// internal validation endpoint. Client calls that endpoint over HTTP and is what the
// gateway handshake uses, so a gateway can run without database access.
// CookieStore reads tokens from the signed HTTP session cookie.
package session
