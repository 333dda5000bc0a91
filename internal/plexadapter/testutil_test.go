package plexadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/upnp"
)

const sampleDeviceXML = `<?xml version="1.0"?>
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

// renderingControlSCPD declares a Volume range of [0,50] step 1, chosen so
// SetVolume's rescale from Plex's [0,100] produces an easily-checked result.
const renderingControlSCPD = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
<actionList>
<action><name>SetVolume</name></action>
<action><name>GetVolume</name></action>
<action><name>GetMute</name></action>
</actionList>
<serviceStateTable>
<stateVariable sendEvents="no">
<name>Volume</name>
<dataType>ui2</dataType>
<allowedValueRange><minimum>0</minimum><maximum>50</maximum><step>1</step></allowedValueRange>
</stateVariable>
</serviceStateTable>
</scpd>`

// --- play queue JSON fixtures -----------------------------------------

type fixturePart struct {
	Key string `json:"key"`
}

type fixtureMedia struct {
	Part []fixturePart `json:"Part"`
}

type fixtureTrack struct {
	Key             string         `json:"key"`
	RatingKey       string         `json:"ratingKey"`
	PlayQueueItemID int64          `json:"playQueueItemID"`
	Duration        int64          `json:"duration"`
	Media           []fixtureMedia `json:"Media"`
}

type fixtureContainer struct {
	PlayQueueID                 int64          `json:"playQueueID"`
	PlayQueueVersion            int64          `json:"playQueueVersion"`
	PlayQueueSelectedItemID     int64          `json:"playQueueSelectedItemID"`
	PlayQueueSelectedItemOffset int64          `json:"playQueueSelectedItemOffset"`
	PlayQueueTotalCount         int64          `json:"playQueueTotalCount"`
	Metadata                    []fixtureTrack `json:"Metadata"`
}

type fixtureEnvelope struct {
	MediaContainer fixtureContainer `json:"MediaContainer"`
}

func fxTrack(id int64, key, partKey string, duration int64) fixtureTrack {
	return fixtureTrack{
		Key:             key,
		RatingKey:       key,
		PlayQueueItemID: id,
		Duration:        duration,
		Media:           []fixtureMedia{{Part: []fixturePart{{Key: partKey}}}},
	}
}

// --- SOAP action recording ----------------------------------------------

type actionCall struct {
	path   string
	action string
	body   string
}

type actionRecorder struct {
	mu    sync.Mutex
	calls []actionCall
}

func (r *actionRecorder) record(path, action, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, actionCall{path: path, action: action, body: body})
}

func (r *actionRecorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *actionRecorder) has(action string) bool {
	_, ok := r.last(action)
	return ok
}

func (r *actionRecorder) last(action string) (actionCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].action == action {
			return r.calls[i], true
		}
	}
	return actionCall{}, false
}

func parseActionFromHeader(h string) string {
	h = strings.Trim(h, `"`)
	if i := strings.LastIndexByte(h, '#'); i >= 0 {
		return h[i+1:]
	}
	return h
}

// soapHandler answers any SOAP action with a generic, argument-less success
// envelope and records the call; none of the command paths exercised here
// read fields back out of the response.
func soapHandler(rec *actionRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := parseActionFromHeader(r.Header.Get("SOAPACTION"))
		rec.record(r.URL.Path, action, string(body))
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:%sResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"></u:%sResponse></s:Body></s:Envelope>`, action, action)
	}
}

// avtHandler is soapHandler plus a GetPositionInfo special case backed by
// ts, needed by tests that exercise the state engine's real poll path
// (rather than Engine.Update) to populate CurrentTrackDuration.
func avtHandler(rec *actionRecorder, ts *testServer) http.HandlerFunc {
	generic := soapHandler(rec)
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := parseActionFromHeader(r.Header.Get("SOAPACTION"))
		if action != "GetPositionInfo" {
			r.Body = io.NopCloser(strings.NewReader(string(body)))
			generic(w, r)
			return
		}
		rec.record(r.URL.Path, action, string(body))
		relTime, trackURI, trackDuration := ts.position()
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:GetPositionInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"><RelTime>%s</RelTime><TrackURI>%s</TrackURI><TrackDuration>%s</TrackDuration></u:GetPositionInfoResponse></s:Body></s:Envelope>`, relTime, trackURI, trackDuration)
	}
}

// --- play queue container server ----------------------------------------

type testServer struct {
	mu               sync.Mutex
	container        fixtureContainer
	posRelTime       string
	posTrackURI      string
	posTrackDuration string
}

func (ts *testServer) setContainer(c fixtureContainer) {
	ts.mu.Lock()
	ts.container = c
	ts.mu.Unlock()
}

func (ts *testServer) getContainer() fixtureContainer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.container
}

// setPosition configures the fixture GetPositionInfo response (HH:MM:SS
// strings, as the real UPnP action returns), exercised by tests that need
// the state engine's CurrentTrackDuration populated from a real poll rather
// than left at its unobserved zero value.
func (ts *testServer) setPosition(relTime, trackURI, trackDuration string) {
	ts.mu.Lock()
	ts.posRelTime = relTime
	ts.posTrackURI = trackURI
	ts.posTrackDuration = trackDuration
	ts.mu.Unlock()
}

func (ts *testServer) position() (relTime, trackURI, trackDuration string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.posRelTime, ts.posTrackURI, ts.posTrackDuration
}

// --- adapter construction -------------------------------------------------

// buildAdapter wires a real upnp.Device (SOAP calls recorded by rec) and a
// PlexLib pointed at the same fixture server (so play-queue fetches and
// SetAVTransportURI both resolve against it) behind a fresh Adapter.
func buildAdapter(t *testing.T) (a *Adapter, rec *actionRecorder, ts *testServer, srv *httptest.Server) {
	t.Helper()

	rec = &actionRecorder{}
	ts = &testServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/device.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleDeviceXML))
	})
	mux.HandleFunc("/AVTransport/control", avtHandler(rec, ts))
	mux.HandleFunc("/RenderingControl/control", soapHandler(rec))
	mux.HandleFunc("/RenderingControl/scpd.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(renderingControlSCPD))
	})
	mux.HandleFunc("/playQueues/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fixtureEnvelope{MediaContainer: ts.getContainer()})
	})

	srv = httptest.NewServer(mux)

	device, err := upnp.FetchDevice(context.Background(), srv.URL+"/device.xml", srv.Client(), nil)
	if err != nil {
		t.Fatalf("FetchDevice: %v", err)
	}

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("server port: %v", err)
	}
	lib := &PlexLib{Protocol: "http", Address: u.Hostname(), Port: port, Token: "tok", MachineID: "machine-1"}

	a = New(device, lib, 0, 100, 1, nil)
	return a, rec, ts, srv
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
