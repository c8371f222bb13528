// Package domain defines the core types and contracts of the relay.
//
// Identities, wire events, notification and chat payloads, and the routing
// interface the broker side uses to reach live connections.
package domain
