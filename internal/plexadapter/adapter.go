package plexadapter

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/plexdlnabridge/internal/dlnastate"
	"github.com/snapetech/plexdlnabridge/internal/metrics"
	"github.com/snapetech/plexdlnabridge/internal/playqueue"
	"github.com/snapetech/plexdlnabridge/internal/upnp"
)

// waiter is one pending wait-for-state-change request.
type waiter struct {
	fields []string // interesting field names; nil/empty means "any change"
	done   chan struct{}
}

const maxWaiters = 3

// Adapter drives one bridged device's Plex-facing behavior: transport
// commands, play-queue navigation, auto-next-track policy, and the
// wait-for-change mechanism the long-poll timeline handler uses.
type Adapter struct {
	Device *upnp.Device
	State  *dlnastate.Engine
	Lib    *PlexLib

	log     *logrus.Entry
	metrics *metrics.Metrics

	cmdMu sync.Mutex // serializes command methods, mirroring the single Plex-facing scheduler

	queueMu          sync.Mutex
	queue            *playqueue.PlayQueue
	shuffle          int
	currentTrackInfo *playqueue.TrackInfo

	noNotice atomic.Bool

	plexBindToken string

	waitersMu sync.Mutex
	waiters   []*waiter

	stopNotify chan struct{}
}

// New constructs an Adapter for device, wiring its state engine's onChange
// callback to the adapter's auto-next and waiter-notification logic.
func New(device *upnp.Device, lib *PlexLib, volumeMin, volumeMax, volumeStep int, log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Adapter{
		Device: device,
		Lib:    lib,
		log:    log.WithField("device", device.FriendlyName),
	}
	a.State = dlnastate.NewEngine(device.FriendlyName, device.AVTransport(), device.RenderingControl(), volumeMin, volumeMax, volumeStep, a.onStateChange, log)
	return a
}

// SetMetrics attaches the collectors this adapter and its state engine keep
// updated: auto-next counts here, poll latency on the state engine. Optional;
// an adapter with no metrics attached skips both.
func (a *Adapter) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
	if m == nil {
		a.State.SetPollObserver(nil)
		return
	}
	a.State.SetPollObserver(func(d time.Duration) { m.ObservePoll(a.Device.UUID, d) })
}

// onStateChange is the dlnastate.Engine onChange callback; it runs on the
// engine's own goroutine, so auto-next and waiter dispatch are handed off
// to their own goroutine immediately rather than blocking the poll loop.
func (a *Adapter) onStateChange(changed dlnastate.ChangeSet) {
	go func() {
		if a.checkAutoNext(changed) {
			return
		}
		a.notifyWaiters(changed)
	}()
}

// SetQueue replaces the adapter's play queue (used by PlayMedia).
func (a *Adapter) SetQueue(q *playqueue.PlayQueue) {
	a.queueMu.Lock()
	a.queue = q
	a.queueMu.Unlock()
}

// Queue returns the current play queue, or nil if none is set.
func (a *Adapter) Queue() *playqueue.PlayQueue {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return a.queue
}

// Shuffle reports the current shuffle mode (0 off, >0 on).
func (a *Adapter) Shuffle() int {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return a.shuffle
}

// SetShuffle sets the shuffle mode from a setParameters command.
func (a *Adapter) SetShuffle(v int) {
	a.queueMu.Lock()
	a.shuffle = v
	a.queueMu.Unlock()
}

func (a *Adapter) currentTrack() *playqueue.TrackInfo {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return a.currentTrackInfo
}

func (a *Adapter) setCurrentTrack(t *playqueue.TrackInfo) {
	a.queueMu.Lock()
	a.currentTrackInfo = t
	a.queueMu.Unlock()
}

// WaitForEvent blocks until a change touching one of fields (or any change,
// if fields is empty) is notified, or timeout elapses. Mirrors the
// original's wait_for_event/wait_state_change_events list: at most
// maxWaiters are held; a new registration beyond that cap force-wakes
// itself immediately (woken, not satisfied), exactly matching
// `_examples/original_source/plex/adapters.py`'s list.pop() overflow
// behavior.
func (a *Adapter) WaitForEvent(ctx context.Context, timeout time.Duration, fields []string) {
	w := &waiter{fields: fields, done: make(chan struct{})}

	a.waitersMu.Lock()
	a.waiters = append(a.waiters, w)
	if len(a.waiters) > maxWaiters {
		overflow := a.waiters[len(a.waiters)-1]
		a.waiters = a.waiters[:len(a.waiters)-1]
		close(overflow.done)
	}
	a.waitersMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (a *Adapter) notifyWaiters(changed dlnastate.ChangeSet) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()

	remaining := a.waiters[:0]
	for _, w := range a.waiters {
		if waiterInterested(w, changed) {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	a.waiters = remaining
}

func waiterInterested(w *waiter, changed dlnastate.ChangeSet) bool {
	if len(w.fields) == 0 {
		return true
	}
	for _, f := range w.fields {
		if f == "elapsed_jump" {
			if changed.ElapsedJump() {
				return true
			}
			continue
		}
		if changed.Has(f) {
			return true
		}
	}
	return false
}

// PlayMedia starts playback of a new play queue from scratch: clears the
// tracked URI (a forced clear, distinct from "leave it alone"), fetches the
// queue container, and plays the selected item.
func (a *Adapter) PlayMedia(ctx context.Context, containerKey string, offset int64, paused bool, query url.Values) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.Lib.UpdateFromQuery(query)
	a.State.ClearCurrentURI()

	q := a.Lib.GetQueue(containerKey)
	if _, err := q.GetInfo(ctx); err != nil {
		return fmt.Errorf("plexadapter: play media: %w", err)
	}
	a.SetQueue(q)
	return a.playSelectedQueueItemLocked(ctx, offset, paused)
}

// playSelectedQueueItemLocked assumes cmdMu is already held.
func (a *Adapter) playSelectedQueueItemLocked(ctx context.Context, offset int64, paused bool) error {
	q := a.Queue()
	if q == nil {
		return fmt.Errorf("plexadapter: no play queue set")
	}
	a.State.Update("TRANSITIONING", "", "")
	a.State.SetCheckAllNextLoop()

	track, err := q.SelectedTrack(ctx)
	if err != nil {
		return fmt.Errorf("plexadapter: selected track: %w", err)
	}
	trackURL, err := q.URLForTrack(track)
	if err != nil {
		return fmt.Errorf("plexadapter: url for track: %w", err)
	}
	if trackURL == a.State.Snapshot().CurrentURI {
		// Re-playing the same URL (e.g. looping a single track) would
		// otherwise suppress the change session that marks it newly set.
		a.State.ClearCurrentURI()
	}

	avt := a.Device.AVTransport()
	if _, err := avt.Invoke(ctx, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         trackURL,
		"CurrentURIMetaData": "",
	}); err != nil {
		return fmt.Errorf("plexadapter: SetAVTransportURI: %w", err)
	}

	info, err := q.GetTrackInfo(ctx)
	if err != nil {
		return fmt.Errorf("plexadapter: get track info: %w", err)
	}
	a.setCurrentTrack(&info)

	if offset != 0 {
		if _, err := avt.Invoke(ctx, "Seek", map[string]string{
			"InstanceID": "0",
			"Unit":       "REL_TIME",
			"Target":     dlnastate.FormatHMS(offset),
		}); err != nil {
			return fmt.Errorf("plexadapter: seek: %w", err)
		}
	}

	if paused {
		return a.pauseLocked(ctx)
	}
	time.Sleep(1 * time.Second)
	if a.State.Snapshot().State != "PLAYING" {
		return a.playLocked(ctx)
	}
	return nil
}

// Play issues Play and marks the next poll pass to re-check everything.
func (a *Adapter) Play(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.playLocked(ctx)
}

func (a *Adapter) playLocked(ctx context.Context) error {
	if _, err := a.Device.AVTransport().Invoke(ctx, "Play", map[string]string{"InstanceID": "0", "Speed": "1"}); err != nil {
		return fmt.Errorf("plexadapter: play: %w", err)
	}
	a.State.SetCheckAllNextLoop()
	return nil
}

// Pause issues Pause.
func (a *Adapter) Pause(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.pauseLocked(ctx)
}

func (a *Adapter) pauseLocked(ctx context.Context) error {
	a.State.Update("PAUSED_PLAYBACK", "", "")
	if _, err := a.Device.AVTransport().Invoke(ctx, "Pause", map[string]string{"InstanceID": "0"}); err != nil {
		return fmt.Errorf("plexadapter: pause: %w", err)
	}
	a.State.SetCheckAllNextLoop()
	return nil
}

// Stop issues Stop and clears track tracking.
func (a *Adapter) Stop(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	a.State.Update("STOPPED", "", "")
	a.State.ClearCurrentURI()
	a.setCurrentTrack(nil)
	if _, err := a.Device.AVTransport().Invoke(ctx, "Stop", map[string]string{"InstanceID": "0"}); err != nil {
		return fmt.Errorf("plexadapter: stop: %w", err)
	}
	a.State.SetCheckAllNextLoop()
	return nil
}

// Prev seeks to 0 if more than 5s into the current track, else skips to the
// previous queue item.
func (a *Adapter) Prev(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	if a.State.Snapshot().Elapsed <= 5*1000 {
		return a.nextLocked(ctx, true)
	}
	return a.seekLocked(ctx, 0)
}

// Next advances to the next queue item, honoring shuffle and repeat, or
// stops if the queue has run out.
func (a *Adapter) Next(ctx context.Context) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.nextLocked(ctx, false)
}

func (a *Adapter) nextLocked(ctx context.Context, revert bool) error {
	q := a.Queue()
	if q == nil {
		return fmt.Errorf("plexadapter: no play queue set")
	}
	direction := int64(1)
	if revert {
		direction = -1
	}
	currentOffset, err := q.SelectedOffset(ctx)
	if err != nil {
		return err
	}
	total, err := q.TotalCount(ctx)
	if err != nil {
		return err
	}

	newOffset := currentOffset + direction
	if a.Shuffle() > 0 {
		allowShuffle, err := q.AllowShuffle(ctx)
		if err != nil {
			return err
		}
		if allowShuffle {
			newOffset = rand.Int63n(total)
		}
	}
	if newOffset >= total || newOffset < 0 {
		return a.stopLocked(ctx)
	}

	a.State.Update("TRANSITIONING", "", "")
	if err := q.SetSelectedOffset(ctx, newOffset); err != nil {
		return err
	}
	return a.playSelectedQueueItemLocked(ctx, 0, false)
}

func (a *Adapter) stopLocked(ctx context.Context) error {
	a.State.Update("STOPPED", "", "")
	a.State.ClearCurrentURI()
	a.setCurrentTrack(nil)
	if _, err := a.Device.AVTransport().Invoke(ctx, "Stop", map[string]string{"InstanceID": "0"}); err != nil {
		return fmt.Errorf("plexadapter: stop: %w", err)
	}
	a.State.SetCheckAllNextLoop()
	return nil
}

// SkipToTrack moves the queue selection to the item with the given key and
// plays it.
func (a *Adapter) SkipToTrack(ctx context.Context, key string) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	q := a.Queue()
	if q == nil {
		return fmt.Errorf("plexadapter: no play queue set")
	}
	a.State.Update("TRANSITIONING", "", "")
	if err := q.SelectTrackKey(ctx, key); err != nil {
		return err
	}
	return a.playSelectedQueueItemLocked(ctx, 0, false)
}

// RefreshQueue re-points the queue at a new server-side playQueueID and
// force-wakes any pending waiters (their data is about to change shape).
func (a *Adapter) RefreshQueue(ctx context.Context, playQueueID int64) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	q := a.Queue()
	if q == nil {
		return fmt.Errorf("plexadapter: no play queue set")
	}
	if err := q.RefreshQueue(ctx, playQueueID); err != nil {
		return err
	}
	a.waitersMu.Lock()
	for _, w := range a.waiters {
		close(w.done)
	}
	a.waiters = nil
	a.waitersMu.Unlock()
	return nil
}

// Seek issues a relative-time Seek to offsetMs.
func (a *Adapter) Seek(ctx context.Context, offsetMs int64) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	return a.seekLocked(ctx, offsetMs)
}

func (a *Adapter) seekLocked(ctx context.Context, offsetMs int64) error {
	_, err := a.Device.AVTransport().Invoke(ctx, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "REL_TIME",
		"Target":     dlnastate.FormatHMS(offsetMs),
	})
	if err != nil {
		return fmt.Errorf("plexadapter: seek: %w", err)
	}
	return nil
}

// SetVolume converts a Plex 0-100 volume to the device's own range and
// issues SetVolume.
func (a *Adapter) SetVolume(ctx context.Context, plexVolume int) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	min, max, step := a.Device.VolumeRange(ctx)
	deviceVolume := dlnastate.ConvertVolume(plexVolume, 100, 0, max, min, step)
	_, err := a.Device.RenderingControl().Invoke(ctx, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": fmt.Sprintf("%d", deviceVolume),
	})
	if err != nil {
		return fmt.Errorf("plexadapter: set volume: %w", err)
	}
	a.State.SetCheckAllNextLoop()
	return nil
}

// UpdateFromEvent folds a GENA event's parsed LastChange fields into the
// state engine, the Plex-facing counterpart of update_state in the original.
func (a *Adapter) UpdateFromEvent(state, uri, position string) {
	a.State.Update(state, uri, position)
}
