// Package runtime wires every bridge component into one running process:
// SSDP discovery -> UPnP device construction -> the Plex adapter and its
// state engine -> the Subscribe Manager and GDM beacon -> the shared HTTP
// server. It owns the live device map and implements both
// internal/subscribe.Registry and internal/httpapi.Registry over it, the
// same "own the map, hand out a narrow view" shape the teacher's gateway
// package uses for its provider set. Grounded on
// `_examples/original_source/plex/plexserver.py`'s module-level globals
// (devices, sub_man, primary_server) and its startup/shutdown lifecycle
// functions.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/config"
	"github.com/snapetech/plexdlnabridge/internal/desccache"
	"github.com/snapetech/plexdlnabridge/internal/gdm"
	"github.com/snapetech/plexdlnabridge/internal/httpapi"
	"github.com/snapetech/plexdlnabridge/internal/httpclient"
	"github.com/snapetech/plexdlnabridge/internal/metrics"
	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
	"github.com/snapetech/plexdlnabridge/internal/plexapi"
	"github.com/snapetech/plexdlnabridge/internal/ssdp"
	"github.com/snapetech/plexdlnabridge/internal/store"
	"github.com/snapetech/plexdlnabridge/internal/subscribe"
	"github.com/snapetech/plexdlnabridge/internal/upnp"

	"github.com/prometheus/client_golang/prometheus"
)

// device is one bridged renderer's full, runtime-owned state: its UPnP
// handle, its Plex adapter, and its GDM advertisement.
type device struct {
	uuid    string
	name    string
	model   string
	upnp    *upnp.Device
	adapter *plexadapter.Adapter
	beacon  *gdm.Beacon
}

// Runtime is the assembled bridge process: every long-lived component plus
// the device map gluing them together.
type Runtime struct {
	cfg *config.Config
	log *logrus.Entry

	store   *store.Store
	desc    *desccache.Cache
	metrics *metrics.Metrics

	client *http.Client

	ssdpc *ssdp.Discoverer
	gdms  *gdm.Set
	subs  *subscribe.Manager
	http  *httpapi.Server

	clientID string

	mu      sync.Mutex
	devices map[string]*device
	hostIP  string
	runCtx  context.Context
}

// New assembles every component but starts nothing; call Run to start the
// discovery loops and serve HTTP.
func New(cfg *config.Config, log *logrus.Entry) (*Runtime, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var cache *desccache.Cache
	if cfg.DescriptionCachePath != "" {
		c, err := desccache.Open(cfg.DescriptionCachePath)
		if err != nil {
			return nil, fmt.Errorf("runtime: open description cache: %w", err)
		}
		cache = c
	}

	reg := prometheus.NewRegistry()
	r := &Runtime{
		cfg:     cfg,
		log:     log,
		store:   store.New(cfg.ConfigPath, cfg.DataFileName),
		desc:    cache,
		metrics: metrics.New(reg),
		client:  httpclient.Default(),
		devices: make(map[string]*device),
		hostIP:  cfg.HostIP,
	}

	clientID, err := r.store.BridgeClientID(func() string { return uuid.NewString() })
	if err != nil {
		return nil, fmt.Errorf("runtime: load bridge client id: %w", err)
	}
	r.clientID = clientID

	gdmSet, err := gdm.NewSet(log.WithField("component", "gdm"))
	if err != nil {
		return nil, fmt.Errorf("runtime: start gdm: %w", err)
	}
	r.gdms = gdmSet

	disc, err := ssdp.New(r.onLocation, cfg.LocationURL, log.WithField("component", "ssdp"))
	if err != nil {
		gdmSet.Close()
		return nil, fmt.Errorf("runtime: start ssdp: %w", err)
	}
	r.ssdpc = disc

	r.subs = subscribe.New(subRegistry{r}, cfg.PlexNotifyInterval, r.subscriberHeaders, log.WithField("component", "subscribe"))
	r.subs.SetMetrics(r.metrics)
	r.http = httpapi.New(httpRegistry{r}, r.subs, r.metrics, reg, cfg, r.client, log.WithField("component", "httpapi"))

	return r, nil
}

// subscriberHeaders builds the X-Plex-* headers attached to every timeline
// push, grounded on plexapi.Headers using the bridge's own (not a specific
// device's) identity - the original bridge sends the same header set on
// every subscriber POST regardless of which device is pushing.
func (r *Runtime) subscriberHeaders() http.Header {
	return plexapi.Headers(plexapi.Identity{
		UUID:            r.clientID,
		Model:           r.cfg.Product,
		Name:            r.cfg.Product,
		Platform:        r.cfg.Platform,
		PlatformVersion: r.cfg.PlatformVersion,
		Version:         r.cfg.Version,
	})
}

// Run starts discovery, the subscribe fan-out loop, and the HTTP server,
// blocking until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	r.gdms.Start(ctx)
	r.ssdpc.Start(ctx)
	go r.subs.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler: r.http.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.WithField("addr", srv.Addr).Info("http: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		r.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		r.Close()
		return err
	}
}

// Close releases every component's resources. Safe to call once, after Run
// returns or in place of Run for tests that never start serving.
func (r *Runtime) Close() {
	r.ssdpc.Close()
	r.gdms.Close()
	r.subs.Stop()
	if r.desc != nil {
		_ = r.desc.Close()
	}
}
