package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	// add pprof endpoint
	_ "net/http/pprof"
)

func writeJSON(rw http.ResponseWriter, obj interface{}) error {
	rw.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(rw).Encode(obj)
}

func handleError(t func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if err := t(rw, req); err != nil {
			log.WithError(err).Error("Failed to handle status request")
			rw.WriteHeader(http.StatusInternalServerError)
		}
	})
}

func (s *Server) GetUnit(rw http.ResponseWriter, req *http.Request) error {
	return writeJSON(rw, NewUnitStatus(s.unit))
}

func (s *Server) ListOperations(rw http.ResponseWriter, req *http.Request) error {
	return writeJSON(rw, NewOperationCollection())
}

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	f := handleError

	router.Methods("GET").Path("/ping").Handler(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write([]byte("pong"))
	}))

	router.Methods("GET").Path("/v1/unit").Handler(f(s.GetUnit))
	router.Methods("GET").Path("/v1/operations").Handler(f(s.ListOperations))

	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return router
}
