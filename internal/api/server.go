package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"sensorbus/internal/device"
	"sensorbus/internal/drain"
	"sensorbus/internal/model"
)

// Server is the REST control surface for the device manager.
type Server struct {
	httpServer *http.Server
	reg        *device.Registry
	ctrl       *drain.Controller
	types      model.TypeRegistry
	buses      []*device.Loop
}

// NewServer builds the router and handlers.
func NewServer(listenAddr string, reg *device.Registry, ctrl *drain.Controller, types model.TypeRegistry, buses []*device.Loop) *Server {
	s := &Server{
		reg:   reg,
		ctrl:  ctrl,
		types: types,
		buses: buses,
	}

	r := mux.NewRouter()
	r.HandleFunc("/devman/offlinebuf", s.offlineBufHandler).Methods("GET")
	r.HandleFunc("/devman/typeinfo", s.typeInfoHandler).Methods("GET")
	r.HandleFunc("/devman/cmdraw", s.cmdRawHandler).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: r,
	}
	return s
}

// Handler exposes the router (used by httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("API server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", s.httpServer.Addr, err)
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) busByName(name string) *device.Loop {
	for _, b := range s.buses {
		if strings.EqualFold(b.Name(), name) {
			return b
		}
	}
	return nil
}

func respondOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"rslt": "ok"}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func respondError(w http.ResponseWriter, code int, errName string) {
	writeJSON(w, code, map[string]any{"rslt": "fail", "error": errName})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
