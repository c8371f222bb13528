// Package registry is the connection registry: it authenticates WebSocket
// clients, tracks their connections in user and role rooms, and delivers
// events to those rooms.
//
// All state is owned by a single actor goroutine (Hub.run). Rooms are the only
// membership structure; a user is online exactly while the room user:<id> has
// members. Each connection has its own writer goroutine with a bounded send
// buffer, and a connection whose buffer is full is evicted instead of
// blocking delivery to everybody else.
package registry
