package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"companion-session/internal/infra/logging"

	"github.com/go-chi/chi/v5"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// ownUser checks the caller may act on userID; admins may act on anyone.
func ownUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	c := claimsFrom(r.Context())
	if userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required")
		return false
	}
	if c == nil || (c.Subject != userID && !c.IsAdmin()) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
		return false
	}
	return true
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "refreshToken is required")
		return
	}
	access, refresh, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access, "refreshToken": refresh})
}

func (s *Server) handleGetPersistent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !ownUser(w, r, userID) {
		return
	}
	id, ok := s.state.persistent(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no persistent conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "isNew": false})
}

func (s *Server) handleCreatePersistent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !ownUser(w, r, userID) {
		return
	}
	id, isNew := s.state.createPersistent(userID)
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"conversationId": id, "isNew": isNew})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !ownUser(w, r, userID) {
		return
	}
	msgs, err := s.state.history(chi.URLParam(r, "conversationId"), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !ownUser(w, r, userID) {
		return
	}
	if err := s.state.clearHistory(chi.URLParam(r, "conversationId"), userID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatForm struct {
	message        string
	conversationID string
	userID         string
	sessionID      string
}

// beginTurn validates the form and debits the turn. It writes the error response itself.
func (s *Server) beginTurn(w http.ResponseWriter, r *http.Request) (chatForm, bool) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid form")
		return chatForm{}, false
	}
	f := chatForm{
		message:        strings.TrimSpace(r.PostForm.Get("message")),
		conversationID: r.PostForm.Get("conversationId"),
		userID:         r.PostForm.Get("userId"),
		sessionID:      r.PostForm.Get("sessionId"),
	}
	if !ownUser(w, r, f.userID) {
		return chatForm{}, false
	}
	if f.message == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "message is required")
		return chatForm{}, false
	}
	if err := s.state.checkConversation(f.conversationID, f.userID); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return chatForm{}, false
	}
	if err := s.state.debit(f.userID, f.conversationID); err != nil {
		if errors.Is(err, errInsufficient) {
			writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits to chat.")
			return chatForm{}, false
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return chatForm{}, false
	}
	return f, true
}

// reply asks the responder for an answer. A responder failure refunds the debit and
// answers 502.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, f chatForm) (string, bool) {
	history, _ := s.state.history(f.conversationID, f.userID)
	reply, err := s.respond.Reply(r.Context(), history, f.message)
	if err != nil {
		s.state.refund(f.userID, f.conversationID)
		logging.With(logging.WithUserID(r.Context(), f.userID), s.log).Error().Err(err).Msg("responder failed")
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "The companion is unavailable right now.")
		return "", false
	}
	return strings.TrimSpace(reply), true
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	f, ok := s.beginTurn(w, r)
	if !ok {
		return
	}
	log := logging.With(logging.WithSessID(logging.WithUserID(r.Context(), f.userID), f.sessionID), s.log)
	reply, ok := s.reply(w, r, f)
	if !ok {
		return
	}
	if reply == "" {
		s.state.refund(f.userID, f.conversationID)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return
	}
	s.state.recordTurn(f.conversationID, f.userID, f.message, reply)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, part := range splitChunks(reply) {
		if _, err := w.Write([]byte(part)); err != nil {
			log.Debug().Err(err).Msg("client went away mid-stream")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if s.cfg.ChunkDelay > 0 {
			t := time.NewTimer(s.cfg.ChunkDelay)
			select {
			case <-r.Context().Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	f, ok := s.beginTurn(w, r)
	if !ok {
		return
	}
	reply, ok := s.reply(w, r, f)
	if !ok {
		return
	}
	if reply == "" {
		s.state.refund(f.userID, f.conversationID)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"response": ""}})
		return
	}
	mood, level := s.state.recordTurn(f.conversationID, f.userID, f.message, reply)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"response":          reply,
		"mood":              mood,
		"relationshipLevel": level,
	}})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !ownUser(w, r, userID) {
		return
	}
	writeJSON(w, http.StatusOK, s.state.balance(userID))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !ownUser(w, r, userID) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"transactions": s.state.transactions(userID, limit)})
}

func (s *Server) handleRefillTiming(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.policy())
}

func (s *Server) handleRefillAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.analytics())
}

func (s *Server) handleRefillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.state.statusAll()})
}

func (s *Server) handleManualRefill(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required")
		return
	}
	bal := s.state.manualRefill(userID)
	s.metricsRefill("manual")
	writeJSON(w, http.StatusOK, bal)
}

// splitChunks cuts reply into word-sized pieces, keeping the separating spaces.
func splitChunks(reply string) []string {
	words := strings.Fields(reply)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out = append(out, w)
	}
	return out
}
