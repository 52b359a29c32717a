// Package httpapi implements the HTTP/JSON read API and long-poll event
// endpoint described in §4.E of the specification.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxcpp/inboxd/internal/address"
	"github.com/foxcpp/inboxd/internal/config"
	"github.com/foxcpp/inboxd/internal/mailstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const longPollTimeout = 25 * time.Second

// API wires the store to chi routes.
type API struct {
	cfg      config.Config
	store    *mailstore.Store
	log      *zap.Logger
	assets   fs.FS
	version  string
	longPoll time.Duration
}

func New(cfg config.Config, store *mailstore.Store, log *zap.Logger, assets fs.FS, version string) *API {
	return &API{cfg: cfg, store: store, log: log, assets: assets, version: version, longPoll: longPollTimeout}
}

// Router builds the complete HTTP handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", a.handleHealth)
	r.Get("/api/messages", a.handleListByEmail)
	r.Get("/api/messages/{id}", a.handleGetByEmail)
	r.Get("/api/mailboxes/{mailbox}/messages", a.handleList)
	r.Delete("/api/mailboxes/{mailbox}/messages", a.handleClear)
	r.Get("/api/mailboxes/{mailbox}/messages/{id}", a.handleGet)
	r.Delete("/api/mailboxes/{mailbox}/messages/{id}", a.handleDelete)
	r.Get("/api/mailboxes/{mailbox}/events/next", a.handleEventsNext)

	r.NotFound(a.handleStatic)
	r.MethodNotAllowed(a.handleStatic)

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": a.version})
}

func (a *API) handleListByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing email query parameter")
		return
	}
	mailbox, rendered, err := address.NormalizeMailbox(email, a.cfg.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.respondList(w, mailbox, rendered)
}

func (a *API) handleGetByEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing email query parameter")
		return
	}
	mailbox, _, err := address.NormalizeMailbox(email, a.cfg.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.respondGet(w, mailbox, id)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	mailbox, rendered, ok := a.normalizeFromPath(w, r)
	if !ok {
		return
	}
	a.respondList(w, mailbox, rendered)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	mailbox, _, ok := a.normalizeFromPath(w, r)
	if !ok {
		return
	}
	a.respondGet(w, mailbox, chi.URLParam(r, "id"))
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	mailbox, rendered, ok := a.normalizeFromPath(w, r)
	if !ok {
		return
	}
	removed := a.store.Clear(mailbox)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox": mailbox,
		"email":   rendered,
		"removed": removed,
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	mailbox, rendered, ok := a.normalizeFromPath(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing message id")
		return
	}
	deleted := a.store.Delete(mailbox, id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox": mailbox,
		"email":   rendered,
		"deleted": deleted,
	})
}

func (a *API) handleEventsNext(w http.ResponseWriter, r *http.Request) {
	mailbox, _, ok := a.normalizeFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.longPoll)
	defer cancel()

	sub := a.store.Subscribe()
	ev, err := sub.RecvMailbox(ctx, mailbox)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ev)
	case errors.Is(err, mailstore.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "event stream closed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) normalizeFromPath(w http.ResponseWriter, r *http.Request) (mailbox, rendered string, ok bool) {
	raw := chi.URLParam(r, "mailbox")
	mailbox, rendered, err := address.NormalizeMailbox(raw, a.cfg.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return mailbox, rendered, true
}

func (a *API) respondList(w http.ResponseWriter, mailbox, rendered string) {
	msgs := a.store.List(mailbox)
	summaries := make([]mailstore.Summary, len(msgs))
	for i, m := range msgs {
		summaries[i] = m.Summary()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mailbox":  mailbox,
		"email":    rendered,
		"count":    len(summaries),
		"messages": summaries,
	})
}

func (a *API) respondGet(w http.ResponseWriter, mailbox, id string) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing message id")
		return
	}
	msg, ok := a.store.Get(mailbox, id)
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// handleStatic serves the embedded web UI bundle, ignoring path traversal
// segments rather than erroring on them.
func (a *API) handleStatic(w http.ResponseWriter, r *http.Request) {
	if a.assets == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	joined, trailingSlash := normalizeStaticPath(r.URL.Path)

	var candidates []string
	switch {
	case joined == "":
		candidates = []string{"index.html"}
	case trailingSlash:
		candidates = []string{path.Join(joined, "index.html"), joined}
	default:
		candidates = []string{joined, path.Join(joined, "index.html")}
	}

	for _, c := range candidates {
		data, err := fs.ReadFile(a.assets, c)
		if err != nil {
			continue
		}
		ct := mime.TypeByExtension(filepath.Ext(c))
		if ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	writeError(w, http.StatusNotFound, "not found")
}

func normalizeStaticPath(raw string) (joined string, trailingSlash bool) {
	trimmed := strings.TrimPrefix(raw, "/")
	trailingSlash = trimmed == "" || strings.HasSuffix(trimmed, "/")

	var kept []string
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, "/"), trailingSlash
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
