package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobilemsg/pushbox/internal/engine"
	"github.com/mobilemsg/pushbox/internal/message"
	"github.com/mobilemsg/pushbox/internal/metrics"
	"github.com/mobilemsg/pushbox/internal/store"
)

// Server is the thin HTTP shim over the engine. Listener registration is
// in-process only and deliberately has no HTTP surface.
type Server struct {
	Engine *engine.Engine
}

func NewServer(e *engine.Engine) *Server { return &Server{Engine: e} }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/messages", s.enqueueMessage)
	r.Get("/messages/{id}", s.getMessage)
	r.Delete("/messages/{id}", s.deleteMessage)
	r.Post("/messages/{id}/ack", s.ackMessage)

	r.Get("/channels", s.listChannels)
	r.Post("/channels", s.addChannel)
	r.Delete("/channels/{name}", s.removeChannel)
	r.Get("/channels/{name}/messages", s.listMessages)
	r.Get("/channels/{name}/undelivered", s.listUndelivered)

	r.Get("/outbox", s.listOutbox)
	r.Put("/provider/default", s.setDefaultProvider)
	r.Post("/check", s.singleCheck)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, message.ErrInvalidChannel),
		errors.Is(err, message.ErrInvalidID),
		errors.Is(err, message.ErrInvalidDate),
		errors.Is(err, message.ErrInvalidSubchannel),
		errors.Is(err, message.ErrInvalidContent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Channel      string          `json:"channel"`
		Subchannel   string          `json:"subchannel"`
		Content      json.RawMessage `json:"content"`
		Expiry       int64           `json:"expiry"`
		Notification string          `json:"notification"`
		Provider     string          `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	m := message.New(in.Channel, in.Subchannel, in.Content)
	m.Expiry = in.Expiry
	m.Notification = in.Notification
	m.Provider = in.Provider
	if err := s.Engine.SendPushMessage(r.Context(), m); err != nil {
		if errors.As(err, new(*store.StoreError)) {
			metrics.APIEnqueue.WithLabelValues("error").Inc()
		} else {
			metrics.APIEnqueue.WithLabelValues("invalid").Inc()
		}
		writeError(w, err)
		return
	}
	metrics.APIEnqueue.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Engine.Message(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) ackMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Receiver string `json:"receiver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Receiver == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "receiver_required"})
		return
	}
	known, err := s.Engine.AckMessageReceipt(r.Context(), in.Receiver, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	names, err := s.Engine.Channels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": names})
}

func (s *Server) addChannel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.Engine.AddChannel(r.Context(), in.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": in.Name})
}

func (s *Server) removeChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.RemoveChannel(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Engine.InboxMessages(r.Context(), chi.URLParam(r, "name"), r.URL.Query().Get("subchannel"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

func (s *Server) listUndelivered(w http.ResponseWriter, r *http.Request) {
	receiver := r.URL.Query().Get("receiver")
	if receiver == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "receiver_required"})
		return
	}
	msgs, err := s.Engine.UndeliveredMessages(r.Context(),
		chi.URLParam(r, "name"), r.URL.Query().Get("subchannel"), receiver)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Engine.OutboxMessages(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

func (s *Server) setDefaultProvider(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	s.Engine.SetDefaultProvider(in.Name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// singleCheck runs one drain plus one bounded receive pass and responds
// when every provider reports done.
func (s *Server) singleCheck(w http.ResponseWriter, r *http.Request) {
	done := make(chan struct{})
	s.Engine.DoSingleCheck(func() { close(done) })
	select {
	case <-done:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case <-r.Context().Done():
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "check_timed_out"})
	}
}
