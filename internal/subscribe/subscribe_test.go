package subscribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
	"github.com/snapetech/plexdlnabridge/internal/upnp"
)

// newTestAdapter wraps device in a minimal Adapter, enough to exercise
// PlexState/GetState/NoNotice without any play queue set.
func newTestAdapter(t *testing.T, device *upnp.Device) *plexadapter.Adapter {
	t.Helper()
	lib := &plexadapter.PlexLib{Protocol: "http", Address: "127.0.0.1", Port: 32400}
	return plexadapter.New(device, lib, 0, 100, 1, nil)
}

// fakeRegistry is a minimal in-memory Registry for tests.
type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]DeviceEntry
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]DeviceEntry)}
}

func (r *fakeRegistry) put(e DeviceEntry) {
	r.mu.Lock()
	r.entries[e.UUID] = e
	r.mu.Unlock()
}

func (r *fakeRegistry) Devices() []DeviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *fakeRegistry) Get(uuid string) (DeviceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[uuid]
	return e, ok
}

const subscribeSampleDeviceXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<device>
<friendlyName>Test Renderer</friendlyName>
<UDN>uuid:4d696e69-444c-4e41-9d41-000102030405</UDN>
<serviceList>
<service>
<serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
<serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
<controlURL>/AVTransport/control</controlURL>
<eventSubURL>/AVTransport/event</eventSubURL>
<SCPDURL>/AVTransport/scpd.xml</SCPDURL>
</service>
<service>
<serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
<serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
<controlURL>/RenderingControl/control</controlURL>
<eventSubURL>/RenderingControl/event</eventSubURL>
<SCPDURL>/RenderingControl/scpd.xml</SCPDURL>
</service>
</serviceList>
</device>
</root>`

// buildDevice stands up a minimal real upnp.Device for a DeviceEntry,
// reusing the same FetchDevice-against-httptest.Server construction
// internal/plexadapter's own tests use.
func buildDevice(t *testing.T) (*upnp.Device, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/device.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(subscribeSampleDeviceXML))
	})
	srv := httptest.NewServer(mux)
	device, err := upnp.FetchDevice(context.Background(), srv.URL+"/device.xml", srv.Client(), nil)
	if err != nil {
		t.Fatalf("FetchDevice: %v", err)
	}
	return device, srv
}

func TestManager_AddSubscriber_refreshesInPlaceOnSameEndpoint(t *testing.T) {
	m := New(newFakeRegistry(), 10*time.Millisecond, nil, nil)
	m.AddSubscriber("target-1", "client-1", "1.2.3.4", 32500, "http", 1)
	m.AddSubscriber("target-1", "client-1", "1.2.3.4", 32500, "http", 2)

	m.mu.Lock()
	subs := m.subscribers["target-1"]
	m.mu.Unlock()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one subscriber after a same-endpoint re-add, got %d", len(subs))
	}
	if subs[0].CommandID != 2 {
		t.Errorf("CommandID = %d, want 2 (updated in place)", subs[0].CommandID)
	}
}

func TestManager_AddSubscriber_replacesOnEndpointChange(t *testing.T) {
	reg := newFakeRegistry()
	stopped := false
	reg.put(DeviceEntry{UUID: "target-1", StopEventSub: func() { stopped = true }})
	m := New(reg, 10*time.Millisecond, nil, nil)

	m.AddSubscriber("target-1", "client-1", "1.2.3.4", 32500, "http", 1)
	m.AddSubscriber("target-1", "client-1", "5.6.7.8", 32501, "http", 1)

	m.mu.Lock()
	subs := m.subscribers["target-1"]
	m.mu.Unlock()
	if len(subs) != 1 || subs[0].Host != "5.6.7.8" {
		t.Fatalf("expected the subscriber to be replaced with the new endpoint, got %+v", subs)
	}
	if stopped {
		t.Error("did not expect StopEventSub since a replacement subscriber remains registered")
	}
}

func TestManager_RemoveSubscriber_stopsEventSubWhenLastRemoved(t *testing.T) {
	reg := newFakeRegistry()
	stopped := false
	reg.put(DeviceEntry{UUID: "target-1", StopEventSub: func() { stopped = true }})
	m := New(reg, 10*time.Millisecond, nil, nil)

	m.AddSubscriber("target-1", "client-1", "1.2.3.4", 32500, "http", 1)
	m.RemoveSubscriber("client-1", "target-1")

	if !stopped {
		t.Error("expected StopEventSub to be called once the last subscriber is removed")
	}
	m.mu.Lock()
	_, exists := m.subscribers["target-1"]
	m.mu.Unlock()
	if exists {
		t.Error("expected the target's subscriber list to be deleted, not left empty")
	}
}

func TestManager_UpdateCommandID_noOpForUnknownSubscriber(t *testing.T) {
	m := New(newFakeRegistry(), 10*time.Millisecond, nil, nil)
	m.UpdateCommandID("target-1", "nonexistent", 99) // must not panic
}

func TestManager_NotifyDevice_postsStoppedMessageWithNoQueue(t *testing.T) {
	device, deviceSrv := buildDevice(t)
	defer deviceSrv.Close()

	var received []string
	var mu sync.Mutex
	subSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer subSrv.Close()

	u, _ := url.Parse(subSrv.URL)
	port, _ := strconv.Atoi(u.Port())

	a := newTestAdapter(t, device)
	reg := newFakeRegistry()
	reg.put(DeviceEntry{UUID: "target-1", Adapter: a})
	m := New(reg, 10*time.Millisecond, nil, nil)
	m.AddSubscriber("target-1", "client-1", u.Hostname(), port, "http", 7)

	m.notifyDevice(context.Background(), DeviceEntry{UUID: "target-1", Adapter: a})

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(received[0], `state="stopped"`) {
		t.Errorf("expected a stopped timeline message with no queue set, got %s", received[0])
	}
	if !strings.Contains(received[0], `commandID="7"`) {
		t.Errorf("expected the subscriber's commandID substituted in, got %s", received[0])
	}
}

func TestManager_NotifyDevice_removesSubscriberOnSendFailure(t *testing.T) {
	device, deviceSrv := buildDevice(t)
	defer deviceSrv.Close()

	a := newTestAdapter(t, device)
	reg := newFakeRegistry()
	reg.put(DeviceEntry{UUID: "target-1", Adapter: a})
	m := New(reg, 10*time.Millisecond, nil, nil)
	// Nothing listens on this port, so every POST fails immediately.
	m.AddSubscriber("target-1", "client-1", "127.0.0.1", 1, "http", 1)

	m.notifyDevice(context.Background(), DeviceEntry{UUID: "target-1", Adapter: a})

	waitForCondition(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.subscribers["target-1"]) == 0
	})
}

func TestTimelineAttrs_includesItemTypeMusic(t *testing.T) {
	device, deviceSrv := buildDevice(t)
	defer deviceSrv.Close()
	a := newTestAdapter(t, device)
	fields, _, err := a.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	attrs := timelineAttrs(fields)
	if !strings.Contains(attrs, `itemType="music"`) {
		t.Errorf("timelineAttrs = %s, missing itemType", attrs)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
