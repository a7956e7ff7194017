package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.Hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Connectors
		r.Get("/connectors", handleList(h.Store.ListConnectors))
		r.Post("/connectors", h.CreateConnector)
		r.Get("/connectors/{id}", handleGet(h.Store.GetConnector, "connector not found"))
		r.Delete("/connectors/{id}", handleDelete(h.Store.DeleteConnector, "connector not found"))
		r.Put("/connectors/{id}/status", h.UpdateConnectorStatus)
		r.Post("/connectors/{id}/sync", h.TriggerSync)
		r.Get("/connectors/{id}/runs", h.ListSyncRuns)
		r.Get("/connectors/{id}/groups", handleListByParam("id", h.Store.ListGroups, "connector not found"))

		// Records
		r.Get("/records", h.ListRecords)
		r.Get("/records/search", h.SearchRecords)
		r.Get("/records/{id}", h.GetRecord)

		// OAuth
		r.Get("/oauth/providers", h.ListOAuthProviders)
		r.Get("/oauth/{provider}/authorize", h.OAuthAuthorize)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)
		r.Delete("/oauth/{provider}", h.OAuthDisconnect)

		// Conversations
		r.Get("/conversations", handleList(h.Store.ListConversations))
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations/{id}", handleGet(h.Store.GetConversation, "conversation not found"))
		r.Delete("/conversations/{id}", handleDelete(h.Store.DeleteConversation, "conversation not found"))
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Get("/conversations/{id}/events", h.ListTrajectory)

		// Tools
		r.Get("/tools", h.ListTools)

		// LLM proxy
		r.Get("/llm/models", h.ListModels)
	})
}
