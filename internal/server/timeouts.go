// internal/server/timeouts.go
//
// HTTP server construction with hardened timeouts.
//
// The front door cannot use a blanket ReadTimeout or WriteTimeout: an
// archive upload may legally stream for minutes, and a deploy that
// builds a frontend holds its response open for as long as the build
// runs.  Slow-loris defense therefore lives on the header phase only,
// and per-operation deadlines are enforced inside the handlers (the 30 s
// request wall clock, the clone, install, and build caps).
//

package server

import (
	"net/http"
	"time"
)

// New constructs the platform's *http.Server around the front-door
// handler.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
