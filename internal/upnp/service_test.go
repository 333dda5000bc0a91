package upnp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestService_FetchSCPD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleSCPD))
	}))
	defer srv.Close()

	s := newService(RenderingControlServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	if err := s.FetchSCPD(context.Background()); err != nil {
		t.Fatal(err)
	}
	min, max, step := s.StateVariableRange("Volume")
	if min != 0 || max != 31 || step != 1 {
		t.Errorf("range = [%d,%d] step %d, want [0,31] step 1", min, max, step)
	}
}

func TestService_Invoke_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("SOAPACTION"); got != `"urn:schemas-upnp-org:service:AVTransport:1#Play"` {
			t.Errorf("SOAPACTION header = %q", got)
		}
		w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:PlayResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"></u:PlayResponse></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	s := newService(AVTransportServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	elem, err := s.Invoke(context.Background(), "Play", map[string]string{"InstanceID": "0", "Speed": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if elem == nil {
		t.Fatal("expected non-nil response element")
	}
}

func TestService_Invoke_upnpErrorReturnsNilNoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
<s:Body><s:Fault><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>701</errorCode><errorDescription>Transition not available</errorDescription></UPnPError></detail></s:Fault></s:Body>
</s:Envelope>`))
	}))
	defer srv.Close()

	s := newService(AVTransportServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	elem, err := s.Invoke(context.Background(), "Play", map[string]string{"InstanceID": "0"})
	if err != nil {
		t.Fatalf("UPnPError fault should not surface as a Go error, got: %v", err)
	}
	if elem != nil {
		t.Fatal("expected nil element for a UPnPError fault")
	}
}

func TestService_InvokeSingle_infersArgumentName(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:GetVolumeResponse xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1"><CurrentVolume>10</CurrentVolume></u:GetVolumeResponse></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	s := newService(RenderingControlServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	spec, err := parseSCPD(`<?xml version="1.0"?><scpd xmlns="urn:schemas-upnp-org:service-1-0"><actionList><action><name>SetMute</name><argumentList><argument><name>DesiredMute</name><direction>in</direction></argument></argumentList></action></actionList></scpd>`)
	if err != nil {
		t.Fatal(err)
	}
	s.spec = spec

	_, err = s.InvokeSingle(context.Background(), "SetMute", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotBody, "<DesiredMute>1</DesiredMute>") {
		t.Errorf("expected inferred argument name in body, got: %s", gotBody)
	}
}

func TestService_SubscribeAndRenew(t *testing.T) {
	subscribeCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "SUBSCRIBE" {
			t.Errorf("method = %s, want SUBSCRIBE", r.Method)
		}
		subscribeCount++
		w.Header().Set("SID", "uuid:abc123")
		w.Header().Set("Timeout", "Second-4")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newService(AVTransportServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	if err := s.Subscribe(context.Background(), "http://bridge/dlna/callback/x", 0); err != nil {
		t.Fatal(err)
	}
	if subscribeCount != 1 {
		t.Fatalf("subscribeCount = %d, want 1", subscribeCount)
	}

	// Immediate renew attempt should be a no-op: granted timeout 4s means
	// next renewal isn't due for 2s.
	if err := s.MaybeRenew(context.Background(), "http://bridge/dlna/callback/x", 0); err != nil {
		t.Fatal(err)
	}
	if subscribeCount != 1 {
		t.Fatalf("subscribeCount = %d after immediate MaybeRenew, want 1 (too early)", subscribeCount)
	}

	time.Sleep(2100 * time.Millisecond)
	if err := s.MaybeRenew(context.Background(), "http://bridge/dlna/callback/x", 0); err != nil {
		t.Fatal(err)
	}
	if subscribeCount != 2 {
		t.Fatalf("subscribeCount = %d after due MaybeRenew, want 2", subscribeCount)
	}
}

func TestService_Unsubscribe(t *testing.T) {
	var gotSID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "SUBSCRIBE":
			w.Header().Set("SID", "uuid:xyz")
			w.Header().Set("Timeout", "Second-120")
			w.WriteHeader(http.StatusOK)
		case "UNSUBSCRIBE":
			gotSID = r.Header.Get("SID")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	s := newService(AVTransportServiceType, "id", srv.URL+"/control", srv.URL+"/event", srv.URL+"/scpd.xml", srv.Client(), noopLogEntry())
	if err := s.Subscribe(context.Background(), "http://bridge/cb", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotSID != "uuid:xyz" {
		t.Errorf("UNSUBSCRIBE SID = %q, want uuid:xyz", gotSID)
	}
}
