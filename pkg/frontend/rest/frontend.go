// Package rest exposes a storage unit's health over HTTP: unit metadata,
// the dispatcher fault slot and the in-flight operation contexts. This is
// the poll surface for applications watching a unit degrade; there is no
// push notification.
package rest

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/virtblk/virtblk-engine/pkg/unit"
)

var log = logrus.WithFields(logrus.Fields{"pkg": "rest-frontend"})

type Server struct {
	unit *unit.Unit

	listen     string
	httpServer *http.Server
}

func NewServer(u *unit.Unit, listen string) *Server {
	return &Server{
		unit:   u,
		listen: listen,
	}
}

// Startup serves the status API until Shutdown.
func (s *Server) Startup() error {
	router := http.Handler(NewRouter(s))
	router = handlers.LoggingHandler(os.Stdout, router)
	router = handlers.ProxyHeaders(router)

	s.httpServer = &http.Server{
		Addr:    s.listen,
		Handler: router,
	}

	log.Infof("Status frontend listening on %s", s.listen)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Status frontend failed")
		}
	}()
	return nil
}

func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
