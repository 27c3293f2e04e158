// internal/web/webhooks.go
//
// Per-app webhook endpoint management.  The URL lives on the app row;
// delivery itself is the dispatcher's business.  The test route is the
// one place a delivery runs synchronously, because its whole point is
// reporting the outcome to the operator.
//
// Oxford commas, two spaces after periods.

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/platformx/platformx/internal/eventlog"
	"github.com/platformx/platformx/internal/webhook"
)

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"webhookUrl": app.WebhookURL,
		"enabled":    s.d.Hooks.Enabled(),
	})
}

func (s *Server) handleWebhookSet(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var in struct {
		URL string `json:"url"`
	}
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := validWebhookURL(in.URL); err != nil {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "url: %v", err))
		return
	}

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	app.WebhookURL = in.URL
	if err := s.d.Apps.Update(r.Context(), app); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	s.d.Events.Record(r.Context(), slug, eventlog.EventWebhook, eventlog.LevelInfo,
		"webhook endpoint set", eventlog.Meta{"url": in.URL})
	writeOK(w, http.StatusOK, map[string]any{"webhookUrl": in.URL})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	unlock := s.d.Cache.Locks().Lock(slug)
	defer unlock()

	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	app.WebhookURL = ""
	if err := s.d.Apps.Update(r.Context(), app); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	s.d.Events.Record(r.Context(), slug, eventlog.EventWebhook, eventlog.LevelInfo,
		"webhook endpoint removed", nil)
	writeOK(w, http.StatusOK, map[string]any{"webhookUrl": ""})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	app, err := s.d.Apps.Get(r.Context(), slug)
	if err != nil {
		writeErr(w, r, storeErr(err))
		return
	}
	if app.WebhookURL == "" {
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "no webhook endpoint configured"))
		return
	}

	payload := map[string]any{"message": "PlatformX webhook test"}
	if err := s.d.Hooks.Send(r.Context(), slug, app.WebhookURL, webhook.EventTest, payload); err != nil {
		writeOK(w, http.StatusOK, map[string]any{
			"delivered":     false,
			"deliveryError": err.Error(),
		})
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"delivered": true})
}
