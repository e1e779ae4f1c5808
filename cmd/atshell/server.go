package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chenjiaqi/attentive/channel"
)

// Server exposes a generic AT command passthrough over HTTP. It carries no
// domain-specific (e.g. SMS) business logic; that belongs in a layer built
// on top of Channel, not in this shell.
type Server struct {
	Logger  *slog.Logger
	Channel *channel.Channel
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.sendError(w, "", http.StatusMethodNotAllowed)
			return
		}
		s.handleCommand(w, r)
	})
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}
	type errorResponse struct {
		Message string `json:"message"`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{Message: message})
}

// handleCommand issues a single AT command and returns the lines of its
// response body: the intermediate lines, plus the final error line when the
// modem answered with one.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	type commandRequest struct {
		Command string `json:"command"`
	}
	type commandResponse struct {
		Lines []string `json:"lines"`
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	resp, err := s.Channel.Command(r.Context(), "%s", req.Command)
	switch {
	case errors.Is(err, channel.ErrTimeout):
		s.sendError(w, err.Error(), http.StatusGatewayTimeout)
		return
	case errors.Is(err, channel.ErrClosed):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.Logger.Error("command failed", "error", err, "command", req.Command)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var lines []string
	if len(resp) > 0 {
		lines = strings.Split(string(resp), "\n")
	}

	s.Logger.Info("command executed", "command", req.Command, "line_count", len(lines))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(commandResponse{Lines: lines})
}
