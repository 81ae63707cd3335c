// Package persistenceapi implements the Persistence Service's internal
// HTTP API (§6.2) and sync REST surface (§6.3) with chi, mirroring the
// teacher's use of gorilla/handlers for access logging around a mux.
package persistenceapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"github.com/lumi-chat/gateway/internal/store"
)

// Server wires store.Adapter behind the §6.2/§6.3 HTTP contracts.
type Server struct {
	store        store.Adapter
	serviceToken string
	recallWindow time.Duration
	offlineTTL   time.Duration
	router       chi.Router

	// onMembershipChanged, if set, is invoked with a conversation id on
	// every /internal/events/membership-changed webhook call, letting the
	// Gateway's Message Router invalidate its participant cache in the
	// same process without a second HTTP round trip.
	onMembershipChanged func(conversationID string)
}

// New builds a Server. recallWindow backs MessageRecall's window check
// and offlineTTL backs newly-enqueued offline entries' expiry (§6.4).
func New(s store.Adapter, serviceToken string, recallWindow, offlineTTL time.Duration) *Server {
	srv := &Server{
		store:        s,
		serviceToken: serviceToken,
		recallWindow: recallWindow,
		offlineTTL:   offlineTTL,
	}
	srv.router = srv.routes()
	return srv
}

// OnMembershipChanged registers a callback for the supplemented
// membership-changed webhook.
func (s *Server) OnMembershipChanged(fn func(conversationID string)) {
	s.onMembershipChanged = fn
}

// Handler returns the http.Handler to mount, wrapped in access logging
// the way the teacher wraps its HTTP mux with gorilla/handlers.
func (s *Server) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(logWriter{}, s.router)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireServiceToken)
		r.Post("/devices", s.handleUpsertDevice)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/offline-queue", s.handleEnqueueOffline)
		r.Get("/offline-queue", s.handleOfflineQueuePending)
		r.Post("/offline-queue/ack", s.handleOfflineQueueAck)
		r.Put("/messages/{msgId}/recall", s.handleRecallMessage)
		r.Post("/messages/{msgId}/reactions", s.handleReactToMessage)
		r.Get("/conversations/{id}/participants", s.handleParticipants)
		r.Get("/conversations/{id}/messages", s.handleConversationMessages)
		r.Post("/conversations/{id}/read", s.handleMarkRead)
		r.Get("/users/{id}/messages", s.handleMessagesForUser)
		r.Post("/events/membership-changed", s.handleMembershipChanged)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/messages", s.handleSyncMessages)
		r.Post("/ack", s.handleSyncAck)
		r.Get("/status", s.handleSyncStatus)
	})

	return r
}
