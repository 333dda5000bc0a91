// Package playqueue fetches and pages through a Plex play queue container,
// tracking the local window of a server-side queue that can be much larger
// than any single page fetched.
package playqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/snapetech/plexdlnabridge/internal/httpclient"
)

// URLBuilder builds an absolute, token-bearing URL for a Plex Media Server
// path. Declared locally so this package doesn't import internal/plexadapter;
// *plexadapter.PlexLib satisfies this structurally.
type URLBuilder interface {
	BuildURL(path string) string
}

// PlayQueue mirrors a server-side Plex play queue, keeping only a sliding
// window of Metadata in memory and paging in more on demand.
type PlayQueue struct {
	containerKey string
	lib          URLBuilder
	client       *http.Client

	info        *mediaContainer
	startOffset *int64 // nil until the first fetch locates the selected item

	// Repeat mirrors the original's PlayQueue.repeat: 0 = off, 1 = repeat one,
	// 2 = repeat all. Not server-derived; set by the adapter from the client's
	// setParameters command.
	Repeat int
}

// New constructs a PlayQueue against containerKey (e.g.
// "/playQueues/1234?own=1&window=50"), fetched and built via lib.
func New(containerKey string, lib URLBuilder) *PlayQueue {
	return &PlayQueue{
		containerKey: containerKey,
		lib:          lib,
		client:       httpclient.Default(),
	}
}

// FromURL parses a fully-qualified play queue URL (as delivered in a
// playMedia command's containerKey/key query params) into its container key,
// dropping any X-Plex-Token query param; requests are built through lib.
func FromURL(rawURL string, lib URLBuilder) (*PlayQueue, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("playqueue: parse url: %w", err)
	}
	q := u.Query()
	q.Del("X-Plex-Token")
	containerKey := u.Path
	if enc := q.Encode(); enc != "" {
		containerKey += "?" + enc
	}
	return New(containerKey, lib), nil
}

func (q *PlayQueue) fetch(ctx context.Context, path string) (mediaContainer, error) {
	reqURL := q.lib.BuildURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return mediaContainer{}, fmt.Errorf("playqueue: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpclient.DoWithRetry(ctx, q.client, req, httpclient.DeviceRetryPolicy)
	if err != nil {
		return mediaContainer{}, fmt.Errorf("playqueue: fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return mediaContainer{}, fmt.Errorf("playqueue: fetch %s: status %d", path, resp.StatusCode)
	}
	var env mediaContainerEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return mediaContainer{}, fmt.Errorf("playqueue: decode %s: %w", path, err)
	}
	return env.MediaContainer, nil
}

// GetInfo returns the current container, fetching it on first use and
// locating startOffset relative to the selected item.
func (q *PlayQueue) GetInfo(ctx context.Context) (mediaContainer, error) {
	if q.info != nil {
		return *q.info, nil
	}
	mc, err := q.fetch(ctx, q.containerKey)
	if err != nil {
		return mediaContainer{}, err
	}
	q.info = &mc
	for idx, track := range mc.Metadata {
		if track.PlayQueueItemID == mc.PlayQueueSelectedItemID {
			start := mc.PlayQueueSelectedItemOffset - int64(idx)
			q.startOffset = &start
			break
		}
	}
	return *q.info, nil
}

// RefreshQueue re-points the container at a new playQueueID (issued by a
// server-side "create a new queue from this one" action), rewriting the
// container key and recomputing startOffset while preserving the previously
// selected item's identity.
func (q *PlayQueue) RefreshQueue(ctx context.Context, playQueueID int64) error {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return err
	}
	if playQueueID != info.PlayQueueID {
		q.containerKey = strings.Replace(q.containerKey, strconv.FormatInt(info.PlayQueueID, 10), strconv.FormatInt(playQueueID, 10), 1)
	}
	oldSelectedItemID := info.PlayQueueSelectedItemID

	fresh, err := q.fetch(ctx, q.containerKey)
	if err != nil {
		return err
	}

	var newAvailableOffset *int
	var startOffset *int64
	found := 0
	for idx, track := range fresh.Metadata {
		if track.PlayQueueItemID == oldSelectedItemID {
			i := idx
			newAvailableOffset = &i
			found++
		}
		if track.PlayQueueItemID == fresh.PlayQueueSelectedItemID {
			s := fresh.PlayQueueSelectedItemOffset - int64(idx)
			startOffset = &s
			found++
		}
		if found >= 2 {
			break
		}
	}
	if newAvailableOffset == nil || startOffset == nil {
		return fmt.Errorf("playqueue: refreshed queue has no current selected item")
	}
	selectedOffset := int64(*newAvailableOffset) + *startOffset

	fresh.PlayQueueSelectedItemID = oldSelectedItemID
	fresh.PlayQueueSelectedItemOffset = selectedOffset
	q.info = &fresh
	q.startOffset = startOffset
	return nil
}

// lastOffset is the absolute offset of the last item currently in the
// window, or nil if nothing has been fetched yet.
func (q *PlayQueue) lastOffset() *int64 {
	if q.startOffset == nil || q.info == nil {
		return nil
	}
	last := *q.startOffset + int64(len(q.info.Metadata)) - 1
	return &last
}

// More pages the window one step further, in the given direction, fetching
// additional Metadata centered on the current window edge.
func (q *PlayQueue) More(ctx context.Context, after bool) error {
	if _, err := q.GetInfo(ctx); err != nil {
		return err
	}
	total, err := q.TotalCount(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(q.containerKey)
	if err != nil {
		return fmt.Errorf("playqueue: parse container key: %w", err)
	}
	qs := u.Query()
	qs.Del("center")
	qs.Del("includeBefore")
	qs.Del("includeAfter")

	if after {
		last := q.lastOffset()
		if last != nil && *last >= total-1 {
			return nil
		}
		available, err := q.AvailableCount(ctx)
		if err != nil {
			return err
		}
		t, err := q.Track(ctx, *q.startOffset+int64(available)-1)
		if err != nil {
			return err
		}
		qs.Set("includeAfter", "1")
		qs.Set("includeBefore", "0")
		qs.Set("center", strconv.FormatInt(t.PlayQueueItemID, 10))
	} else {
		if *q.startOffset <= 1 {
			return nil
		}
		t, err := q.Track(ctx, *q.startOffset)
		if err != nil {
			return err
		}
		qs.Set("includeBefore", "1")
		qs.Set("includeAfter", "0")
		qs.Set("center", strconv.FormatInt(t.PlayQueueItemID, 10))
	}
	u.RawQuery = qs.Encode()

	page, err := q.fetch(ctx, u.Path+"?"+u.RawQuery)
	if err != nil {
		return err
	}
	if after {
		q.info.Metadata = append(q.info.Metadata, page.Metadata...)
	} else {
		q.info.Metadata = append(append([]Track{}, page.Metadata...), q.info.Metadata...)
		newStart := *q.startOffset - int64(len(page.Metadata))
		q.startOffset = &newStart
	}
	return nil
}

// Track returns the track at absolute offset, paging in more of the window
// (in the needed direction) if offset currently falls outside it.
func (q *PlayQueue) Track(ctx context.Context, offset int64) (Track, error) {
	if _, err := q.GetInfo(ctx); err != nil {
		return Track{}, err
	}
	total, err := q.TotalCount(ctx)
	if err != nil {
		return Track{}, err
	}
	if offset < 0 || offset >= total {
		return Track{}, fmt.Errorf("playqueue: offset %d out of range [0,%d)", offset, total)
	}
	if last := q.lastOffset(); last != nil && offset > *last {
		if err := q.More(ctx, true); err != nil {
			return Track{}, err
		}
		return q.Track(ctx, offset)
	}
	if q.startOffset != nil && offset < *q.startOffset {
		if err := q.More(ctx, false); err != nil {
			return Track{}, err
		}
		return q.Track(ctx, offset)
	}
	idx := offset - *q.startOffset
	if idx < 0 || int(idx) >= len(q.info.Metadata) {
		return Track{}, fmt.Errorf("playqueue: window invariant violated at offset %d", offset)
	}
	return q.info.Metadata[idx], nil
}

// SelectedTrack returns the track at the current selected offset.
func (q *PlayQueue) SelectedTrack(ctx context.Context) (Track, error) {
	offset, err := q.SelectedOffset(ctx)
	if err != nil {
		return Track{}, err
	}
	return q.Track(ctx, offset)
}

// NextTrack returns the track one position after the selection.
func (q *PlayQueue) NextTrack(ctx context.Context) (Track, error) {
	return q.relativeTrack(ctx, 1)
}

// PrevTrack returns the track one position before the selection.
func (q *PlayQueue) PrevTrack(ctx context.Context) (Track, error) {
	return q.relativeTrack(ctx, -1)
}

func (q *PlayQueue) relativeTrack(ctx context.Context, direction int64) (Track, error) {
	offset, err := q.SelectedOffset(ctx)
	if err != nil {
		return Track{}, err
	}
	return q.Track(ctx, offset+direction)
}

// SetSelectedOffset moves the selection to offset, paging the window as
// needed, and records the new selected item id.
func (q *PlayQueue) SetSelectedOffset(ctx context.Context, offset int64) error {
	total, err := q.TotalCount(ctx)
	if err != nil {
		return err
	}
	if offset < 0 || offset >= total {
		return fmt.Errorf("playqueue: offset %d out of range [0,%d)", offset, total)
	}
	if _, err := q.GetInfo(ctx); err != nil {
		return err
	}
	if last := q.lastOffset(); last != nil && offset > *last {
		if err := q.More(ctx, true); err != nil {
			return err
		}
		return q.SetSelectedOffset(ctx, offset)
	}
	if q.startOffset != nil && offset < *q.startOffset {
		if err := q.More(ctx, false); err != nil {
			return err
		}
		return q.SetSelectedOffset(ctx, offset)
	}
	track, err := q.Track(ctx, offset)
	if err != nil {
		return err
	}
	q.info.PlayQueueSelectedItemOffset = offset
	q.info.PlayQueueSelectedItemID = track.PlayQueueItemID
	return nil
}

// SelectTrackKey moves the selection to the window item whose Key matches,
// if present in the currently-fetched window.
func (q *PlayQueue) SelectTrackKey(ctx context.Context, key string) error {
	tracks, err := q.AvailableTracks(ctx)
	if err != nil {
		return err
	}
	for idx, track := range tracks {
		if track.Key == key {
			return q.SetSelectedOffset(ctx, int64(idx)+*q.startOffset)
		}
	}
	return nil
}

// URLForTrack builds the streamable part URL for a track's first media item.
func (q *PlayQueue) URLForTrack(track Track) (string, error) {
	if len(track.Media) == 0 || len(track.Media[0].Part) == 0 {
		return "", fmt.Errorf("playqueue: track %d has no media parts", track.PlayQueueItemID)
	}
	return q.lib.BuildURL(track.Media[0].Part[0].Key), nil
}

// AllowShuffle reports whether the queue can be shuffled: the server's
// explicit allowShuffle flag if present, else false for an unbounded queue
// and true otherwise.
func (q *PlayQueue) AllowShuffle(ctx context.Context) (bool, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.AllowShuffle != nil {
		return *info.AllowShuffle, nil
	}
	total, err := q.TotalCount(ctx)
	if err != nil {
		return false, err
	}
	return total != Unlimited, nil
}

// AvailableTracks returns the currently-fetched window.
func (q *PlayQueue) AvailableTracks(ctx context.Context) ([]Track, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.Metadata, nil
}

// AvailableCount is the number of tracks currently held in the window.
func (q *PlayQueue) AvailableCount(ctx context.Context) (int, error) {
	tracks, err := q.AvailableTracks(ctx)
	if err != nil {
		return 0, err
	}
	return len(tracks), nil
}

// TotalCount is the server-reported total, or Unlimited if the server
// reports zero (an open-ended queue).
func (q *PlayQueue) TotalCount(ctx context.Context) (int64, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return 0, err
	}
	if info.PlayQueueTotalCount == 0 {
		return Unlimited, nil
	}
	return info.PlayQueueTotalCount, nil
}

// SelectedItemID is the server-tracked playQueueItemID of the selection.
func (q *PlayQueue) SelectedItemID(ctx context.Context) (int64, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.PlayQueueSelectedItemID, nil
}

// SelectedOffset is the server-tracked absolute offset of the selection.
func (q *PlayQueue) SelectedOffset(ctx context.Context) (int64, error) {
	info, err := q.GetInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.PlayQueueSelectedItemOffset, nil
}

// GetTrackInfo returns the subset of the selected track's fields the
// timeline and subscriber XML templates need.
func (q *PlayQueue) GetTrackInfo(ctx context.Context) (TrackInfo, error) {
	track, err := q.SelectedTrack(ctx)
	if err != nil {
		return TrackInfo{}, err
	}
	info, err := q.GetInfo(ctx)
	if err != nil {
		return TrackInfo{}, err
	}
	return TrackInfo{
		Duration:         track.Duration,
		Key:              track.Key,
		RatingKey:        track.RatingKey,
		ContainerKey:     fmt.Sprintf("/playQueues/%d", info.PlayQueueID),
		PlayQueueID:      info.PlayQueueID,
		PlayQueueVersion: info.PlayQueueVersion,
		PlayQueueItemID:  track.PlayQueueItemID,
	}, nil
}
