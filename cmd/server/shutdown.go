package main

import (
	"context"
	"log/slog"
	"time"
)

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

type hubStopper interface {
	Stop()
}

// shutdownSequence stops the process in dependency order. The HTTP server
// stops first so no new connection arrives, then the consumer so nothing is
// acked once the hub is gone, then the hub, then the presence mirror, which
// still has the hub's last offline transitions to write.
type shutdownSequence struct {
	timeout      time.Duration
	server       httpShutdowner
	stopConsumer func()
	consumerDone <-chan struct{}
	hub          hubStopper
	stopPresence func()
}

func (s shutdownSequence) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	s.stopConsumer()
	<-s.consumerDone

	s.hub.Stop()
	s.stopPresence()
}
