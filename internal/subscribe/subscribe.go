// Package subscribe fans out a bridged device's playback timeline to the
// Plex controllers that have subscribed to it, and pushes this bridge's own
// "now playing" state back to the Plex Media Server it's registered with.
// Grounded on `_examples/original_source/plex/subscribe.py`'s
// SubscribeManager/Subscriber classes.
package subscribe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/snapetech/plexdlnabridge/internal/httpclient"
	"github.com/snapetech/plexdlnabridge/internal/metrics"
	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
)

const controllable = "playPause,stop,volume,shuffle,repeat,seekTo,skipPrevious,skipNext,stepBack,stepForward"

// timelineStopped is sent when a device has no queue or isn't playing.
const timelineStopped = `<MediaContainer commandID="%d">` +
	`<Timeline type="music" state="stopped"/>` +
	`<Timeline type="video" state="stopped"/>` +
	`<Timeline type="photo" state="stopped"/>` +
	`</MediaContainer>`

// timelineDisconnected is sent once, to every subscriber, when a device is
// torn down; the subscriber is then dropped.
const timelineDisconnected = `<MediaContainer commandID="%d" disconnected="1">` +
	`<Timeline type="music" state="stopped"/>` +
	`<Timeline type="video" state="stopped"/>` +
	`<Timeline type="photo" state="stopped"/>` +
	`</MediaContainer>`

// timelinePlayingOpen/Close bracket a per-call attribute string built from
// plexadapter.TimelineFields, since the attribute set requires an ordered,
// hand-built key="value" run rather than anything encoding/xml can produce
// without a bespoke struct per call site.
const timelinePlayingOpen = `<MediaContainer commandID="%d"><Timeline controllable="` + controllable + `" type="music" `
const timelinePlayingClose = `/><Timeline type="video" state="stopped"/><Timeline type="photo" state="stopped"/></MediaContainer>`

// DeviceEntry is the subset of a bridged device the Subscribe Manager needs:
// its uuid (for subscriber bookkeeping), its Plex adapter (for state and the
// change-wait mechanism), and a hook to tear down the device's GENA event
// subscription once its last Plex subscriber disappears. Built and owned by
// internal/runtime's device registry; passed in rather than imported so this
// package never depends on internal/runtime.
type DeviceEntry struct {
	UUID         string
	Adapter      *plexadapter.Adapter
	StopEventSub func()
}

// Registry is the live set of bridged devices, as seen by the Subscribe
// Manager. internal/runtime implements this over its device map.
type Registry interface {
	Devices() []DeviceEntry
	Get(uuid string) (DeviceEntry, bool)
}

// Subscriber is one Plex controller that has subscribed to a device's
// timeline via /player/timeline/subscribe. Equality is by ClientUUID, per
// the original's Subscriber.__eq__.
type Subscriber struct {
	ClientUUID string
	Host       string
	Port       int
	Protocol   string
	CommandID  int64

	url     string
	limiter *rate.Limiter
}

func newSubscriber(clientUUID, host string, port int, protocol string, commandID int64, interval time.Duration) *Subscriber {
	if protocol == "" {
		protocol = "http"
	}
	rl := rate.NewLimiter(rate.Every(interval), 1)
	return &Subscriber{
		ClientUUID: clientUUID,
		Host:       host,
		Port:       port,
		Protocol:   protocol,
		CommandID:  commandID,
		url:        fmt.Sprintf("%s://%s:%d/:/timeline", protocol, host, port),
		limiter:    rl,
	}
}

func (s *Subscriber) sameEndpoint(host string, port int, protocol string) bool {
	return s.Host == host && s.Port == port && s.Protocol == protocol
}

// send paces itself through its own limiter, then POSTs msg (with its
// command_id placeholder filled) with a 1s-bounded client. Any failure is
// reported to the caller, which removes the subscriber, matching the
// original's send-failure-removes-subscriber behavior.
func (s *Subscriber) send(ctx context.Context, client *http.Client, headers http.Header, msg string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	body := fmt.Sprintf(msg, s.CommandID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = headers.Clone()
	req.Header.Set("Content-Type", "text/xml")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe: send to %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscribe: send to %s: status %d", s.url, resp.StatusCode)
	}
	return nil
}

// Manager keeps targetUUID -> subscriber list and targetUUID -> last-pushed
// server-notify state, and drives both the subscriber fan-out loop and the
// Plex Media Server state push.
type Manager struct {
	registry     Registry
	headers      func() http.Header
	interval     time.Duration
	client       *http.Client
	serverClient *http.Client
	log          *logrus.Entry
	metrics      *metrics.Metrics

	mu                    sync.Mutex
	subscribers           map[string][]*Subscriber
	lastServerNotifyState map[string]string

	stopCh chan struct{}
}

// SetMetrics attaches the Subscribers gauge this Manager keeps updated as
// subscribers come and go. Optional; a Manager with no metrics attached
// skips the gauge update entirely.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// updateSubscriberGauge reports targetUUID's current subscriber count. Must
// be called with m.mu held.
func (m *Manager) updateSubscriberGauge(targetUUID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Subscribers.WithLabelValues(targetUUID).Set(float64(len(m.subscribers[targetUUID])))
}

// New constructs a Manager. headers builds the X-Plex-* headers attached to
// every subscriber POST and server-push GET (the bridge's own identity, so
// supplied by the caller rather than hardcoded here).
func New(registry Registry, interval time.Duration, headers func() http.Header, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Manager{
		registry:              registry,
		headers:               headers,
		interval:              interval,
		client:                httpclient.ForSubscriberPush(),
		serverClient:          httpclient.Default(),
		log:                   log.WithField("component", "subscribe"),
		subscribers:           make(map[string][]*Subscriber),
		lastServerNotifyState: make(map[string]string),
		stopCh:                make(chan struct{}),
	}
}

func (m *Manager) getSubscriber(targetUUID, clientUUID string) *Subscriber {
	for _, s := range m.subscribers[targetUUID] {
		if s.ClientUUID == clientUUID {
			return s
		}
	}
	return nil
}

// UpdateCommandID rewrites an existing subscriber's commandId in place
// (used when a poll/subscribe carries a newer commandID than the one on
// file, without otherwise touching the subscription).
func (m *Manager) UpdateCommandID(targetUUID, clientUUID string, commandID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.getSubscriber(targetUUID, clientUUID); s != nil {
		s.CommandID = commandID
	}
}

// AddSubscriber registers (or refreshes) a subscriber for targetUUID. A
// pre-existing subscriber with the same ClientUUID but a different endpoint
// is removed and replaced; an identical one just gets its commandId bumped.
func (m *Manager) AddSubscriber(targetUUID, clientUUID, host string, port int, protocol string, commandID int64) {
	m.mu.Lock()
	existing := m.getSubscriber(targetUUID, clientUUID)
	if existing != nil {
		if !existing.sameEndpoint(host, port, protocol) {
			m.removeSubscriberLocked(clientUUID, targetUUID)
		} else {
			existing.CommandID = commandID
			m.mu.Unlock()
			return
		}
	}
	m.subscribers[targetUUID] = append(m.subscribers[targetUUID], newSubscriber(clientUUID, host, port, protocol, commandID, m.interval))
	m.updateSubscriberGauge(targetUUID)
	m.mu.Unlock()
}

// RemoveSubscriber drops clientUUID from targetUUID's list (or from every
// target's list, if targetUUID is empty). When a target's list becomes
// empty, its device's GENA event subscription is torn down.
func (m *Manager) RemoveSubscriber(clientUUID, targetUUID string) {
	m.mu.Lock()
	m.removeSubscriberLocked(clientUUID, targetUUID)
	m.mu.Unlock()
}

func (m *Manager) removeSubscriberLocked(clientUUID, targetUUID string) {
	targets := []string{targetUUID}
	if targetUUID == "" {
		targets = targets[:0]
		for t := range m.subscribers {
			targets = append(targets, t)
		}
	}
	for _, t := range targets {
		l := m.subscribers[t]
		for i, s := range l {
			if s.ClientUUID == clientUUID {
				m.subscribers[t] = append(l[:i], l[i+1:]...)
				break
			}
		}
		if len(m.subscribers[t]) == 0 {
			delete(m.subscribers, t)
			if entry, ok := m.registry.Get(t); ok && entry.StopEventSub != nil {
				entry.StopEventSub()
			}
		}
		m.updateSubscriberGauge(t)
	}
}

// Stop ends the fan-out loop started by Run.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

// Run drives the fan-out loop: notify immediately, then every interval wait
// for any subscribed device's change event (bounded by 10x interval) before
// notifying again. Blocks until ctx is done or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	m.notify(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
		m.waitForAnyChange(ctx)
		m.notify(ctx)
	}
}

// waitForAnyChange blocks (up to 10x interval) until some subscribed
// device's adapter reports a change, or the bound elapses - whichever
// happens first. A bare m.interval*10 timer is sufficient here since
// Adapter.WaitForEvent already self-bounds per call.
func (m *Manager) waitForAnyChange(ctx context.Context) {
	m.mu.Lock()
	var targets []DeviceEntry
	for uuid, l := range m.subscribers {
		if len(l) == 0 {
			continue
		}
		if entry, ok := m.registry.Get(uuid); ok {
			targets = append(targets, entry)
		}
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	bound := m.interval * 10
	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(a *plexadapter.Adapter) {
			defer wg.Done()
			a.WaitForEvent(waitCtx, bound, nil)
		}(t.Adapter)
	}
	wg.Wait()
}

func (m *Manager) notify(ctx context.Context) {
	m.notifyServer(ctx)
	for _, d := range m.registry.Devices() {
		m.notifyDevice(ctx, d)
	}
}

// notifyServer pushes every bridged device's current playback state to the
// Plex Media Server it is registered with, via a GET carrying the state
// params as a query string - the original's notify_server_device.
func (m *Manager) notifyServer(ctx context.Context) {
	for _, d := range m.registry.Devices() {
		m.notifyServerDevice(ctx, d, false)
	}
}

func (m *Manager) notifyServerDevice(ctx context.Context, d DeviceEntry, force bool) {
	m.mu.Lock()
	hasSubs := len(m.subscribers[d.UUID]) > 0
	m.mu.Unlock()
	if !hasSubs && !force {
		return
	}
	a := d.Adapter
	if a.Lib == nil || a.Queue() == nil {
		return
	}
	if a.NoNotice() && !force {
		return
	}
	plexState := a.PlexState()
	if plexState == "" {
		return
	}

	m.mu.Lock()
	last := m.lastServerNotifyState[d.UUID]
	m.mu.Unlock()
	if last == plexState && plexState == "stopped" && !force {
		return
	}

	fields, ok, err := a.GetState(ctx)
	if err != nil || !ok {
		return
	}

	m.mu.Lock()
	m.lastServerNotifyState[d.UUID] = plexState
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Lib.Timeline()+"?"+timelineQuery(fields).Encode(), nil)
	if err != nil {
		m.log.WithError(err).Debug("build server-notify request failed")
		return
	}
	if m.headers != nil {
		req.Header = m.headers()
	}
	resp, err := m.serverClient.Do(req)
	if err != nil {
		m.log.WithError(err).WithField("device", d.UUID).Debug("server notify failed")
		return
	}
	resp.Body.Close()
}

// notifyDevice builds the timeline message for d and fans it out to every
// one of its subscribers, each in its own goroutine (own rate limiter, own
// 1s-bounded POST), removing any that fail to accept it.
func (m *Manager) notifyDevice(ctx context.Context, d DeviceEntry) {
	a := d.Adapter
	if a.NoNotice() {
		return
	}
	m.mu.Lock()
	subs := append([]*Subscriber(nil), m.subscribers[d.UUID]...)
	m.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	msg := m.messageFor(ctx, a)
	if msg == "" {
		return
	}

	headers := http.Header{}
	if m.headers != nil {
		headers = m.headers()
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			if err := s.send(ctx, m.client, headers, msg); err != nil {
				m.log.WithError(err).WithField("subscriber", s.ClientUUID).Debug("subscriber push failed, removing")
				m.RemoveSubscriber(s.ClientUUID, d.UUID)
			}
		}(s)
	}
	wg.Wait()
}

// MessageFor is the exported form of messageFor, used by the long-poll
// handler (internal/httpapi) to render the same message it would otherwise
// only see via the fan-out loop.
func (m *Manager) MessageFor(ctx context.Context, a *plexadapter.Adapter) string {
	return m.messageFor(ctx, a)
}

// messageFor builds the %d-templated timeline message for a, following the
// original's msg_for_device: stopped/no-queue short-circuits to
// timelineStopped before ever calling GetState.
func (m *Manager) messageFor(ctx context.Context, a *plexadapter.Adapter) string {
	if a.PlexState() == "" || a.PlexState() == "stopped" || a.Queue() == nil {
		return timelineStopped
	}
	fields, ok, err := a.GetState(ctx)
	if err != nil || !ok {
		return timelineStopped
	}
	return timelinePlayingOpen + timelineAttrs(fields) + timelinePlayingClose
}

// NotifyDisconnected sends TIMELINE_DISCONNECTED to every subscriber of a
// torn-down device, then drops them all - the original's
// notify_device_disconnected.
func (m *Manager) NotifyDisconnected(ctx context.Context, targetUUID string) {
	m.mu.Lock()
	subs := append([]*Subscriber(nil), m.subscribers[targetUUID]...)
	m.mu.Unlock()

	headers := http.Header{}
	if m.headers != nil {
		headers = m.headers()
	}
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.send(ctx, m.client, headers, timelineDisconnected)
		}(s)
	}
	wg.Wait()

	for _, s := range subs {
		m.RemoveSubscriber(s.ClientUUID, targetUUID)
	}
}

// ForcePush notifies both the Plex Media Server and every subscriber for
// uuid outside the normal fan-out cadence, used by the long-poll handler
// after it replies so a just-satisfied poller's peers hear promptly too.
func (m *Manager) ForcePush(ctx context.Context, uuid string) {
	entry, ok := m.registry.Get(uuid)
	if !ok {
		return
	}
	m.notifyServerDevice(ctx, entry, true)
	m.notifyDevice(ctx, entry)
}
