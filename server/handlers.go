package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guidebazaar/studlyff-sub000/logging"
)

const readyTimeout = 2 * time.Second

// userParam returns a decoded user id path parameter.
func userParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// Connections

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body pairRequest
	if err := s.decode(w, r, &body); err != nil {
		sendError(w, r, err)
		return
	}

	req, err := s.graph.Request(r.Context(), body.From, body.To)
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

func (s *Server) handleListIncoming(w http.ResponseWriter, r *http.Request) {
	requests, err := s.graph.ListIncoming(r.Context(), userParam(r, "uid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, requests)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body pairRequest
	if err := s.decode(w, r, &body); err != nil {
		sendError(w, r, err)
		return
	}

	if _, err := s.graph.Accept(r.Context(), body.From, body.To); err != nil {
		sendError(w, r, err)
		return
	}
	sendOK(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body pairRequest
	if err := s.decode(w, r, &body); err != nil {
		sendError(w, r, err)
		return
	}

	if err := s.graph.Reject(r.Context(), body.From, body.To); err != nil {
		sendError(w, r, err)
		return
	}
	sendOK(w, r)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	peers, err := s.graph.ListConnections(r.Context(), userParam(r, "uid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, peers)
}

// Messages

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := s.decode(w, r, &body); err != nil {
		sendError(w, r, err)
		return
	}

	msg, err := s.channel.Send(r.Context(), body.From, body.To, body.Text)
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.channel.History(r.Context(), userParam(r, "uid1"), userParam(r, "uid2"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.channel.Clear(r.Context(), userParam(r, "uid1"), userParam(r, "uid2"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, successBody{Success: true, Deleted: &n})
}

// Health

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
