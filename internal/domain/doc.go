// Package domain defines the core domain types and interfaces.
//
// Files are concept-oriented (envelope.go, session.go, message.go, presence.go, ...) and hold shared types
// and cross-cutting interfaces only. Interfaces live here to keep adapters free of circular imports.
package domain
