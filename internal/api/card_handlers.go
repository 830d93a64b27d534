package api

import (
	"errors"
	"net/http"
	"strconv"
)

var errNoPhoto = errors.New("api: card has no photo")

// handleGetCard returns the slots of the card on screen.
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	snap, err := s.card.Current(r.Context())
	if err != nil {
		writeCardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGetPhoto serves the caller photo bytes as stored.
func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	photo, err := s.card.Photo(r.Context())
	if err != nil {
		writeCardError(w, err)
		return
	}
	if photo == nil || len(photo.Data) == 0 {
		writeCardError(w, errNoPhoto)
		return
	}

	ct := photo.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(photo.Data); err != nil {
		s.logger.Debug("writing photo failed", "error", err)
	}
}

type actionResponse struct {
	Action string `json:"action"`
}

// handleAnswer accepts the ringing call.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.card.Answer(r.Context()); err != nil {
		writeCardError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Action: "answer"})
}

// handleReject declines the ringing call.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.card.Reject(r.Context()); err != nil {
		writeCardError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{Action: "reject"})
}

type backResponse struct {
	Handled bool `json:"handled"`
}

// handleBack reports whether the card consumed a back navigation. It never
// does, so a client must keep the overlay up.
func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	handled, err := s.card.BackPressed(r.Context())
	if err != nil {
		writeCardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backResponse{Handled: handled})
}
