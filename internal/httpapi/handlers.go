package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wabridge/internal/whatsapp"
)

const defaultUserID = "default"

func userIDFrom(r *http.Request) string {
	if id := r.Header.Get("x-user-id"); id != "" {
		return id
	}
	return defaultUserID
}

// connectData is the payload of a successful connect.
type connectData struct {
	Connected      bool       `json:"connected"`
	QR             string     `json:"qr,omitempty"`
	IsInitializing bool       `json:"isInitializing"`
	HasSession     bool       `json:"hasSession"`
	LastUsed       *time.Time `json:"lastUsed"`
}

// handleConnect creates or restores the caller's session. With
// x-restore-session the on-disk artifacts must exist; ?force=true
// discards them and starts over.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	shouldRestore := r.Header.Get("x-restore-session") == "true"
	s.log.Info("connect for user %s (restore=%v)", userID, shouldRestore)

	if shouldRestore && !s.svc.HasExistingSession(userID) {
		s.writeError(w, http.StatusBadRequest, "No valid session to restore")
		return
	}

	force := r.URL.Query().Get("force") == "true" && !shouldRestore

	snap, err := s.svc.CreateSession(r.Context(), userID, force)
	if errors.Is(err, whatsapp.ErrRestoreUnavailable) {
		if shouldRestore {
			s.writeError(w, http.StatusBadRequest, "No valid session to restore")
			return
		}
		// Nothing to restore for a plain connect; start fresh.
		snap, err = s.svc.CreateSession(r.Context(), userID, true)
	}
	if err != nil {
		s.log.Error("connect for %s: %v", userID, err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	lastUsed := snap.LastUsed
	s.writeSuccess(w, connectData{
		Connected:      snap.IsReady,
		QR:             snap.QR,
		IsInitializing: snap.IsInitializing,
		HasSession:     snap.HasSession,
		LastUsed:       &lastUsed,
	})
}

// statusData reports the session's current lifecycle position. The
// route never fails for a missing session; absence is a valid answer.
type statusData struct {
	IsReady        bool       `json:"isReady"`
	IsInitializing bool       `json:"isInitializing"`
	QR             *string    `json:"qr"`
	HasSession     bool       `json:"hasSession"`
	IsTerminated   bool       `json:"isTerminated"`
	LastUsed       *time.Time `json:"lastUsed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	terminated := false
	if state, err := s.svc.PersistedState(userID); err != nil {
		s.log.Error("status for %s: read state: %v", userID, err)
	} else if state != nil {
		terminated = state.IsTerminated
	}
	hasExisting := s.svc.HasExistingSession(userID)

	snap, ok := s.svc.GetSession(r.Context(), userID)
	if !ok {
		s.writeSuccess(w, statusData{
			HasSession:   hasExisting,
			IsTerminated: terminated,
		})
		return
	}

	var qr *string
	if snap.QR != "" {
		qr = &snap.QR
	}
	lastUsed := snap.LastUsed
	s.writeSuccess(w, statusData{
		IsReady:        snap.IsReady,
		IsInitializing: snap.IsInitializing,
		QR:             qr,
		HasSession:     hasExisting,
		IsTerminated:   terminated,
		LastUsed:       &lastUsed,
	})
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	PDFData string `json:"pdfData,omitempty"` // base64
}

// handleSendMessage delivers a message through an active session,
// restoring one from disk first if needed.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.To == "" || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "Missing required fields: to, message")
		return
	}

	var pdfData []byte
	if req.PDFData != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PDFData)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid pdfData encoding")
			return
		}
		pdfData = decoded
	}

	if _, ok := s.svc.GetSession(r.Context(), userID); !ok {
		if !s.svc.HasExistingSession(userID) {
			s.writeError(w, http.StatusNotFound, "No active session found")
			return
		}
		snap, err := s.svc.CreateSession(r.Context(), userID, false)
		if err != nil || !snap.IsReady {
			s.log.Error("send-message restore for %s failed: %v", userID, err)
			s.writeError(w, http.StatusNotFound, "Session restore failed")
			return
		}
	}

	if err := s.svc.SendMessage(r.Context(), userID, req.To, req.Message, pdfData); err != nil {
		switch whatsapp.CodeOf(err) {
		case whatsapp.CodeInvalidPhone:
			s.writeError(w, http.StatusBadRequest, err.Error())
		case whatsapp.CodeInvalidSession:
			s.writeError(w, http.StatusNotFound, "No active session found")
		default:
			s.log.Error("send-message for %s: %v", userID, err)
			s.writeError(w, http.StatusInternalServerError, "Failed to send message")
		}
		return
	}

	s.writeJSON(w, http.StatusOK, response{Status: "success"})
}

// handleDisconnect force-cleans the caller's session. Succeeds even
// when no session exists.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	s.log.Info("disconnect for user %s", userID)

	if err := s.svc.CleanupSession(r.Context(), userID, true); err != nil {
		s.log.Error("disconnect for %s: %v", userID, err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, response{Status: "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Status: "ok"})
}
