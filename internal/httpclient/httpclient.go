package httpclient

import (
	"net/http"
	"time"
)

// Default returns the shared outbound client for SOAP action invocation and
// Plex.tv calls: short enough that a dead renderer doesn't stall a command.
func Default() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForSubscriberPush returns a client tuned for GENA NOTIFY delivery and Plex
// timeline pushes: these must not block the State Engine goroutine for long,
// so the deadline is tight and there is no retry built in (callers that care
// use DoWithRetry with DeviceRetryPolicy).
func ForSubscriberPush() *http.Client {
	return &http.Client{
		Timeout: 1 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 800 * time.Millisecond,
			ExpectContinueTimeout: 200 * time.Millisecond,
			IdleConnTimeout:       15 * time.Second,
		},
	}
}

// ForLongPoll returns a client for Plex's long-poll timeline subscriptions,
// where the peer may legitimately hold the connection open for many seconds.
func ForLongPoll(maxWait time.Duration) *http.Client {
	return &http.Client{
		Timeout: maxWait + 5*time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: maxWait + 2*time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
