package runtime

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/gdm"
	"github.com/snapetech/plexdlnabridge/internal/httpapi"
	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
	"github.com/snapetech/plexdlnabridge/internal/plexapi"
	"github.com/snapetech/plexdlnabridge/internal/subscribe"
	"github.com/snapetech/plexdlnabridge/internal/upnp"
)

// genaRenewInterval is how often a device's GENA subscription renewal is
// reconsidered; Service.MaybeRenew itself is the real gate (it is a no-op
// until the granted timeout is half elapsed), so this only needs to be
// frequent enough not to miss the actual renewal window by much.
const genaRenewInterval = 30 * time.Second

// ctx returns the context Run started discovery with, or a background
// context if discovery has not started yet (tests that call onLocation
// directly without Run).
func (r *Runtime) ctx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// onLocation is the ssdp.OnLocation callback: fetch the device description,
// wire up its adapter/state engine/GDM beacon, and add it to the registry.
// Grounded on plexserver.py's on_device_found.
func (r *Runtime) onLocation(location string) {
	ctx := r.ctx()
	dev, err := upnp.FetchDeviceWithCache(ctx, location, r.client, r.log, r.desc)
	if err != nil {
		r.log.WithError(err).WithField("location", location).Warn("runtime: fetch device description failed")
		return
	}

	r.mu.Lock()
	if _, exists := r.devices[dev.UUID]; exists {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	saved := r.store.Get(dev.UUID)
	name := saved.Alias
	if name == "" {
		name = r.cfg.AliasFor(dev.UUID, dev.FriendlyName, hostFromLocation(location))
	}

	volMin, volMax, volStep := dev.VolumeRange(ctx)
	adapter := plexadapter.New(dev, &plexadapter.PlexLib{}, volMin, volMax, volStep, r.log)
	adapter.SetMetrics(r.metrics)
	if saved.Token != "" {
		adapter.SetBindToken(saved.Token)
	}

	d := &device{
		uuid:    dev.UUID,
		name:    name,
		model:   dev.FriendlyName,
		upnp:    dev,
		adapter: adapter,
	}
	dev.OnRemove = func(removed *upnp.Device) { r.removeDevice(removed.UUID) }

	r.mu.Lock()
	r.devices[dev.UUID] = d
	r.mu.Unlock()

	d.beacon = r.gdms.Register(gdm.Info{
		UUID:            d.uuid,
		Name:            d.name,
		Port:            r.cfg.HTTPPort,
		Product:         r.cfg.Product,
		PlatformVersion: r.cfg.PlatformVersion,
	})

	adapter.State.Start(ctx)
	r.startGENARenewal(ctx, d)
	adapter.StartPlexTVNotifyLoop(ctx, r.client, r.identityFor(d), r.HostIP(), r.cfg.HTTPPort, func() string { return r.store.Token(d.uuid) })

	r.metrics.Devices.Inc()
	r.metrics.DiscoveryEvents.WithLabelValues("new_device").Inc()
	r.log.WithField("uuid", d.uuid).WithField("name", d.name).Info("runtime: device discovered")
}

// startGENARenewal periodically calls MaybeRenew on the device's AVTransport
// service with the bridge's current callback URL, matching the original
// bridge's periodic subscription-renewal task. No subscription attempt is
// made until a host IP is known (guessed from the first inbound request).
func (r *Runtime) startGENARenewal(ctx context.Context, d *device) {
	go func() {
		ticker := time.NewTicker(genaRenewInterval)
		defer ticker.Stop()
		for {
			if hostIP := r.HostIP(); hostIP != "" {
				cb := fmt.Sprintf("http://%s:%d/dlna/callback/%s", hostIP, r.cfg.HTTPPort, d.uuid)
				if err := d.upnp.AVTransport().MaybeRenew(ctx, cb, 0); err != nil {
					r.log.WithError(err).WithField("uuid", d.uuid).Debug("runtime: GENA subscribe/renew failed")
				}
			}
			select {
			case <-ctx.Done():
				d.upnp.AVTransport().Unsubscribe(context.Background())
				return
			case <-ticker.C:
			}
		}
	}()
}

// removeDevice tears down a device once upnp.Device's own error-strike
// counter decides it is gone, mirroring the original's device.remove_self.
func (r *Runtime) removeDevice(uuid string) {
	r.mu.Lock()
	d, ok := r.devices[uuid]
	if ok {
		delete(r.devices, uuid)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.subs.NotifyDisconnected(context.Background(), uuid)
	if d.beacon != nil {
		d.beacon.Close()
	}
	d.adapter.State.Close()
	r.metrics.DeviceRemoved(uuid)
	r.metrics.Devices.Dec()
	r.metrics.DiscoveryEvents.WithLabelValues("removed").Inc()
	r.log.WithField("uuid", uuid).Info("runtime: device removed")
}

func (r *Runtime) identityFor(d *device) plexapi.Identity {
	return plexapi.Identity{
		UUID:            d.uuid,
		Model:           r.cfg.Product,
		Name:            d.name,
		Platform:        r.cfg.Platform,
		PlatformVersion: r.cfg.PlatformVersion,
		Version:         r.cfg.Version,
	}
}

// hostFromLocation extracts the bare host (no port) from a device
// description URL, used as the third AliasFor lookup key (by ip).
func hostFromLocation(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	if h, _, err := net.SplitHostPort(u.Host); err == nil {
		return h
	}
	return u.Host
}

// HostIP returns the bridge's externally-reachable address, possibly still
// empty if no inbound request has been seen yet and none was configured.
func (r *Runtime) HostIP() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostIP
}

// httpRegistry adapts Runtime to internal/httpapi.Registry without exposing
// Runtime's full surface to that package.
type httpRegistry struct{ r *Runtime }

func (h httpRegistry) Devices() []httpapi.Device {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	out := make([]httpapi.Device, 0, len(h.r.devices))
	for _, d := range h.r.devices {
		out = append(out, toHTTPDevice(d))
	}
	return out
}

func (h httpRegistry) Get(uuid string) (httpapi.Device, bool) {
	h.r.mu.Lock()
	d, ok := h.r.devices[uuid]
	h.r.mu.Unlock()
	if !ok {
		return httpapi.Device{}, false
	}
	return toHTTPDevice(d), true
}

func (h httpRegistry) Rename(ctx context.Context, uuid, name string) error {
	return h.r.rename(ctx, uuid, name)
}

func (h httpRegistry) Bind(ctx context.Context, uuid, pinID string) error {
	return h.r.bind(ctx, uuid, pinID)
}

func (h httpRegistry) PendingPin(ctx context.Context, uuid string) (string, string, bool) {
	return h.r.pendingPin(ctx, uuid)
}

func (h httpRegistry) GuessHostIP(ctx context.Context, host string) {
	h.r.guessHostIP(ctx, host)
}

func toHTTPDevice(d *device) httpapi.Device {
	return httpapi.Device{
		UUID:    d.uuid,
		Name:    d.name,
		Model:   d.model,
		Bound:   d.adapter.BindToken() != "",
		Adapter: d.adapter,
	}
}

// subRegistry adapts Runtime to internal/subscribe.Registry.
type subRegistry struct{ r *Runtime }

func (s subRegistry) Devices() []subscribe.DeviceEntry {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	out := make([]subscribe.DeviceEntry, 0, len(s.r.devices))
	for _, d := range s.r.devices {
		out = append(out, toSubDevice(d))
	}
	return out
}

func (s subRegistry) Get(uuid string) (subscribe.DeviceEntry, bool) {
	s.r.mu.Lock()
	d, ok := s.r.devices[uuid]
	s.r.mu.Unlock()
	if !ok {
		return subscribe.DeviceEntry{}, false
	}
	return toSubDevice(d), true
}

func toSubDevice(d *device) subscribe.DeviceEntry {
	return subscribe.DeviceEntry{
		UUID:    d.uuid,
		Adapter: d.adapter,
		StopEventSub: func() {
			d.upnp.AVTransport().Unsubscribe(context.Background())
		},
	}
}
