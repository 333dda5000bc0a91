// Package httpapi exposes the bridge's inbound HTTP surface: the bind page,
// the GENA event callback, the Plex player-command family, the timeline
// subscribe/unsubscribe/poll handlers, and the discovery-resource endpoints
// a Plex controller expects from a native player. Grounded on
// `_examples/original_source/plex/plexserver.py`'s route table, routed
// through `github.com/go-chi/chi/v5` per SPEC_FULL.md 4.9.
package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/config"
	"github.com/snapetech/plexdlnabridge/internal/metrics"
	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
	"github.com/snapetech/plexdlnabridge/internal/subscribe"
)

// Device is the subset of a bridged device's state the HTTP layer needs:
// identity for X-Plex-* headers, and the adapter that actually carries out
// commands. Built and owned by internal/runtime's device registry.
type Device struct {
	UUID    string
	Name    string
	Model   string
	Bound   bool // true once a plex.tv auth token has been bound to this device
	Adapter *plexadapter.Adapter
}

// Registry is the live set of bridged devices, as seen by the HTTP layer.
// internal/runtime implements this over its device map; passed in rather
// than imported so this package never depends on internal/runtime, mirroring
// internal/subscribe.Registry.
type Registry interface {
	Devices() []Device
	Get(uuid string) (Device, bool)

	// Rename persists a display-name override for uuid (the bind page's
	// "name" field) and, if it differs from the device's current name,
	// triggers a plex.tv connection refresh.
	Rename(ctx context.Context, uuid, name string) error

	// Bind completes a PIN login for uuid: if pinID resolves to a token,
	// the token is persisted and a plex.tv connection refresh is triggered.
	Bind(ctx context.Context, uuid, pinID string) error

	// PendingPin returns a freshly requested plex.tv PIN for an unbound
	// device, or ("", "", false) if uuid is already bound or unknown.
	PendingPin(ctx context.Context, uuid string) (pin, pinID string, ok bool)

	// GuessHostIP records host as the bridge's externally-reachable
	// address if none is configured yet, and (if it was just set) kicks
	// off a plex.tv connection refresh for every bridged device.
	GuessHostIP(ctx context.Context, host string)
}

// Server is the bridge's HTTP surface: a chi.Router plus the collaborators
// its handlers dispatch to.
type Server struct {
	registry Registry
	subs     *subscribe.Manager
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	cfg      *config.Config
	client   *http.Client
	log      *logrus.Entry

	router chi.Router

	bindMu sync.Mutex // serializes bind-page renders against concurrent PIN requests
}

// New constructs a Server and wires its routes. gatherer is the Prometheus
// registry metrics.New(...) was constructed against; /metrics is served
// straight off it via promhttp, so the two must be the same registry.
func New(registry Registry, subs *subscribe.Manager, m *metrics.Metrics, gatherer prometheus.Gatherer, cfg *config.Config, client *http.Client, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		registry: registry,
		subs:     subs,
		metrics:  m,
		gatherer: gatherer,
		cfg:      cfg,
		client:   client,
		log:      log.WithField("component", "httpapi"),
	}
	s.router = s.routes()
	return s
}

// Router returns the bridge's http.Handler, suitable for http.ListenAndServe.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleBindPage)
	r.Post("/", s.handleBindSubmit)
	r.Method(http.MethodOptions, "/dlna/callback/{uuid}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.Method("NOTIFY", "/dlna/callback/{uuid}", http.HandlerFunc(s.handleNotify))

	r.Route("/player", func(r chi.Router) {
		r.Route("/playback", func(r chi.Router) {
			r.Get("/playMedia", s.handlePlayMedia)
			r.Get("/refreshPlayQueue", s.handleRefreshPlayQueue)
			r.Get("/play", s.handlePlay)
			r.Get("/pause", s.handlePause)
			r.Get("/stop", s.handleStop)
			r.Get("/skipNext", s.handleSkipNext)
			r.Get("/skipPrevious", s.handleSkipPrevious)
			r.Get("/seekTo", s.handleSeekTo)
			r.Get("/skipTo", s.handleSkipTo)
			r.Get("/setParameters", s.handleSetParameters)
		})
		r.Route("/timeline", func(r chi.Router) {
			r.Get("/subscribe", s.handleTimelineSubscribe)
			r.Get("/unsubscribe", s.handleTimelineUnsubscribe)
			r.Get("/poll", s.handleTimelinePoll)
		})
		r.Get("/mirror/details", s.handleMirrorDetails)
	})

	r.Get("/resources", s.handleResources)

	if s.gatherer != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}

	return r
}

// requestLogger logs each request at Debug, matching the ambient logging
// style used elsewhere in the bridge (structured fields, not access-log
// text), rather than chi's own text-line middleware.Logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("request")
		next.ServeHTTP(w, r)
	})
}

const (
	headerTargetUUID = "x-plex-target-client-identifier"
	headerClientUUID = "x-plex-client-identifier"
)

func targetUUID(r *http.Request) string { return r.Header.Get(headerTargetUUID) }
func clientUUID(r *http.Request) string { return r.Header.Get(headerClientUUID) }

// deviceHeaders builds the response headers a device-scoped reply carries,
// grounded on `utils.py`'s plex_server_response_headers.
func deviceHeaders(d Device) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Connection", "keep-alive")
	h.Set("Accept-Language", "en")
	h.Set("X-Plex-Device", d.Model)
	h.Set("X-Plex-Product", d.Model)
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Device-Name", d.Name)
	h.Set("X-Plex-Provides", "player,pubsub-player")
	return h
}

// timelinePollHeaders is the distinct header set the long-poll handler
// replies with, grounded on utils.py's timeline_poll_headers.
func timelinePollHeaders(uuid string) http.Header {
	h := http.Header{}
	h.Set("X-Plex-Client-Identifier", uuid)
	h.Set("X-Plex-Protocol", "1.0")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Max-Age", "1209600")
	h.Set("Access-Control-Expose-Headers", "X-Plex-Client-Identifier")
	h.Set("Content-Type", "text/xml;charset=utf-8")
	return h
}

func writeXML(w http.ResponseWriter, headers http.Header, status int, body string) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/xml;charset=utf-8")
	}
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// xmlOK is the bare acknowledgement body a handful of endpoints reply with,
// grounded on plexserver.py's XML_OK.
const xmlOK = xmlHeader + `<Response code="200" status="OK"/>`
