package server

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minglu/stockintel/internal/agent"
	"github.com/minglu/stockintel/internal/llm"
)

type chatRequest struct {
	SessionID  string      `json:"session_id"`
	Message    string      `json:"message"`
	Strategies []string    `json:"strategies"`
	Images     []chatImage `json:"images"`
}

type chatImage struct {
	Data     string `json:"data"` // base64
	MIMEType string `json:"mime_type"`
	URL      string `json:"url"`
}

// handleChatStream runs one agent turn and streams progress events, ending
// with done or error.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "agent not configured")
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	images, err := decodeImages(req.Images)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	sse.send("connected", map[string]string{"session_id": req.SessionID})

	reply, err := s.deps.Agent.Chat(r.Context(), req.SessionID, req.Message, req.Strategies, images,
		func(evt agent.ProgressEvent) {
			sse.send(evt.Type, evt)
		})
	if err != nil {
		s.log.Error().Str("session_id", req.SessionID).Err(err).Msg("agent chat failed")
		sse.send("error", map[string]string{"message": err.Error()})
		return
	}
	sse.send("done", map[string]string{"session_id": req.SessionID, "reply": reply})
}

func decodeImages(images []chatImage) ([]llm.ImagePayload, error) {
	var out []llm.ImagePayload
	for _, img := range images {
		if img.URL != "" {
			out = append(out, llm.ImagePayload{URL: img.URL})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, err
		}
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		out = append(out, llm.ImagePayload{Data: data, MIMEType: mime})
	}
	return out, nil
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	var strategies []agent.Strategy
	if s.deps.Agent != nil {
		if lib := s.deps.Agent.Strategies(); lib != nil {
			strategies = lib.List()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": strategies})
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.deps.Conversations.Sessions(100)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, _ *http.Request) {
	// Sessions materialize in storage on the first turn; creation just hands
	// out an id.
	writeJSON(w, http.StatusOK, map[string]string{"session_id": uuid.NewString()})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	turns, err := s.deps.Conversations.History(sessionID, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(turns) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   turns,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Conversations.DeleteSession(chi.URLParam(r, "session_id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
