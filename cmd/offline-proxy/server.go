package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Sternrassler/offline-cache/internal/host"
	"github.com/Sternrassler/offline-cache/pkg/metrics"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// sessionCookie carries the client session id.
const sessionCookie = "offline_session"

// hopHeaders are connection-level headers that are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func newRouter(h *host.Host, storage store.Storage, origin *url.URL, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/_offline/status", statusHandler(h))
	r.Get("/_offline/generations", generationsHandler(storage))
	r.Delete("/_offline/session", disconnectHandler(h))
	r.Handle("/*", proxyHandler(h, origin))

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func statusHandler(h *host.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, h.Status())
	}
}

func generationsHandler(storage store.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contents, err := store.Contents(r.Context(), storage)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("Failed to list generations")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}

		out := make(map[string][]string, len(contents))
		for name, keys := range contents {
			urls := make([]string, 0, len(keys))
			for _, k := range keys {
				urls = append(urls, k.String())
			}
			out[name] = urls
		}
		writeJSON(w, r, http.StatusOK, out)
	}
}

// disconnectHandler closes the caller's session, letting a waiting
// generation take over once no sessions remain.
func disconnectHandler(h *host.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		if err := h.Disconnect(r.Context(), c.Value); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
		w.WriteHeader(http.StatusNoContent)
	}
}

func proxyHandler(h *host.Host, origin *url.URL) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		sessionID := connectSession(w, r, h)

		out, err := outboundRequest(r, origin)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to build upstream request")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp, err := h.Dispatch(r.Context(), sessionID, out)
		if err != nil {
			logger.Warn().Err(err).Str("session", sessionID).Msg("Upstream request failed")
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		header := w.Header()
		for k, vv := range resp.Header {
			for _, v := range vv {
				header.Add(k, v)
			}
		}
		for _, k := range hopHeaders {
			header.Del(k)
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Debug().Err(err).Msg("Client went away during copy")
		}
	}
}

// connectSession returns the caller's session id, minting one and setting
// the cookie when the request carries none.
func connectSession(w http.ResponseWriter, r *http.Request, h *host.Host) string {
	var id string
	if c, err := r.Cookie(sessionCookie); err == nil {
		id = c.Value
	}

	sid := h.Connect(id)
	if sid != id {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return sid
}

// outboundRequest maps an incoming proxy request onto the origin.
func outboundRequest(r *http.Request, origin *url.URL) (*http.Request, error) {
	target := *origin
	target.Path = joinPath(origin.Path, r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	for _, k := range hopHeaders {
		out.Header.Del(k)
	}
	out.ContentLength = r.ContentLength
	return out, nil
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	joined := path.Join(base, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to encode response")
	}
}
