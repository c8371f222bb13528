// Package app provides the relay: the application layer between the broker
// consumer and the connection registry.
//
// Each queue has one handler. A handler decodes the body, classifies it once,
// builds the client event and routes it through domain.Router. A nil return
// means the message may be acknowledged; any error means it must be requeued.
package app
