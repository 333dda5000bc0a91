package dlnastate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Polling cadence, exactly as the original bridge's DlnaState.check: position
// every pass, transport state every 10th pass (or when TRANSITIONING, or on
// a check-all), volume every 12th pass (or check-all), mute every 51st pass.
const (
	positionCheckEvery = 1
	stateCheckEvery    = 10
	volumeCheckEvery   = 12
	mutedCheckEvery    = 51
)

const (
	normalLoopInterval = 800 * time.Millisecond
	idleLoopInterval   = 60 * time.Second
	idleThreshold      = 90 * time.Second
)

// updateRequest is a cross-goroutine external state update, posted by
// Engine.Update and consumed inside the engine's own goroutine so it is
// serialized with (never races with) a poll pass.
type updateRequest struct {
	hasState      bool
	state         string
	hasURI        bool
	uri           string
	forceClearURI bool
	hasElapsed    bool
	elapsedMs     int64
}

// Engine is the per-device polling state machine: one Engine per bridged
// device, running its own goroutine so a slow or wedged renderer never
// stalls any other device or the Plex-facing HTTP server.
type Engine struct {
	name string
	avt  ActionInvoker
	rc   ActionInvoker
	log  *logrus.Entry

	volumeMin, volumeMax, volumeStep int

	onChange func(ChangeSet)
	onPoll   func(time.Duration)

	// Owned exclusively by the loop goroutine; never touched elsewhere.
	state                string
	volume               int
	elapsed              int64
	currentURI           string
	currentTrackDuration int64
	muted                bool
	changeSession        *ChangeSet

	checkAllNextLoop atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot

	lastAccessMu sync.Mutex
	lastAccess   time.Time

	wake    chan struct{}
	updates chan updateRequest
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine constructs an Engine for a device whose AVTransport and
// RenderingControl services are avt and rc, whose RenderingControl-declared
// Volume range is [volumeMin, volumeMax] stepped by volumeStep, and which
// reports changes to onChange. onChange is invoked from the engine's own
// goroutine and must not block for long.
func NewEngine(name string, avt, rc ActionInvoker, volumeMin, volumeMax, volumeStep int, onChange func(ChangeSet), log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if volumeStep <= 0 {
		volumeStep = 1
	}
	return &Engine{
		name:       name,
		avt:        avt,
		rc:         rc,
		log:        log.WithField("device", name),
		volumeMin:  volumeMin,
		volumeMax:  volumeMax,
		volumeStep: volumeStep,
		onChange:   onChange,
		lastAccess: time.Now(),
		wake:       make(chan struct{}, 1),
		updates:    make(chan updateRequest, 8),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetPollObserver installs a callback invoked with the wall-clock duration
// of each completed poll pass. nil (the default) disables the hook; set
// before Start, same as onChange is supplied at construction.
func (e *Engine) SetPollObserver(f func(time.Duration)) {
	e.onPoll = f
}

// Start launches the engine's dedicated polling goroutine. It returns
// immediately; the goroutine runs until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	go e.runLoop(ctx)
}

// Close stops the engine's goroutine and waits for it to exit.
func (e *Engine) Close() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.doneCh
}

// Snapshot returns a point-in-time copy of the tracked state, safe to call
// from any goroutine. Reading state also marks the device as recently
// observed (shortening the idle poll interval back to normal) and wakes the
// loop if it's sleeping, matching the original bridge's on-access wake.
func (e *Engine) Snapshot() Snapshot {
	e.lastAccessMu.Lock()
	e.lastAccess = time.Now()
	e.lastAccessMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// SetCheckAllNextLoop requests that every field be polled on the next pass,
// regardless of cadence, and wakes the loop immediately.
func (e *Engine) SetCheckAllNextLoop() {
	e.checkAllNextLoop.Store(true)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Update posts an external observation (e.g. from a GENA event callback) to
// be folded into the engine's tracked state as its own change session,
// indistinguishable downstream from a poll result. positionHMS, if non-empty,
// is a UPnP "HH:MM:SS" RelTime string.
func (e *Engine) Update(state, uri, positionHMS string) {
	req := updateRequest{}
	if state != "" {
		req.hasState = true
		req.state = state
	}
	if uri != "" {
		req.hasURI = true
		req.uri = uri
	}
	if positionHMS != "" {
		if ms, err := ParseHMS(positionHMS); err == nil {
			req.hasElapsed = true
			req.elapsedMs = ms
		}
	}
	if !req.hasState && !req.hasURI && !req.hasElapsed {
		return
	}
	select {
	case e.updates <- req:
	case <-e.stopCh:
	}
}

// ClearCurrentURI explicitly clears the tracked current URI, used by the
// Plex adapter at the start of play_media and on stop — distinct from
// Update's uri="" sentinel, which means "leave the URI alone".
func (e *Engine) ClearCurrentURI() {
	select {
	case e.updates <- updateRequest{forceClearURI: true}:
	case <-e.stopCh:
	}
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.doneCh)
	e.log.Debug("state engine loop starting")

	checkCount := 0
	const oneBatchCount = 500

	timer := time.NewTimer(e.loopInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Debug("state engine loop stopping: context done")
			return
		case <-e.stopCh:
			e.log.Debug("state engine loop stopping: closed")
			return
		case req := <-e.updates:
			e.applyUpdate(req)
			continue
		case <-e.wake:
		case <-timer.C:
		}

		pollStart := time.Now()
		e.check(ctx, checkCount)
		if e.onPoll != nil {
			e.onPoll(time.Since(pollStart))
		}
		checkCount++
		if checkCount > oneBatchCount {
			checkCount = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.loopInterval())
	}
}

// loopInterval returns 60s once the snapshot has gone 90s unobserved and is
// not PLAYING/TRANSITIONING, else the normal 0.8s cadence.
func (e *Engine) loopInterval() time.Duration {
	e.lastAccessMu.Lock()
	idleFor := time.Since(e.lastAccess)
	e.lastAccessMu.Unlock()

	if idleFor >= idleThreshold && e.state != "PLAYING" && e.state != "TRANSITIONING" {
		return idleLoopInterval
	}
	return normalLoopInterval
}

func (e *Engine) check(ctx context.Context, checkCount int) {
	checkAll := e.checkAllNextLoop.Load()
	doPosition := checkCount%positionCheckEvery == 0 || checkAll
	doState := checkCount%stateCheckEvery == 0 || e.state == "TRANSITIONING" || checkAll
	doVolume := checkCount%volumeCheckEvery == 0 || checkAll
	doMuted := checkCount%mutedCheckEvery == 0
	if checkAll {
		e.checkAllNextLoop.Store(false)
	}

	var wg sync.WaitGroup
	var pos *positionInfo
	var posErr error
	var transportState string
	var transportErr error
	var vol int
	var volOK bool
	var volErr error
	var muted bool
	var mutedOK bool
	var mutedErr error

	if doPosition {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos, posErr = getPositionInfo(ctx, e.avt)
		}()
	}
	if doState {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transportState, transportErr = getTransportInfo(ctx, e.avt)
		}()
	}
	if doVolume {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vol, volOK, volErr = getVolume(ctx, e.rc)
		}()
	}
	if doMuted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			muted, mutedOK, mutedErr = getMute(ctx, e.rc)
		}()
	}
	wg.Wait()

	for _, err := range []error{posErr, transportErr, volErr, mutedErr} {
		if err != nil {
			e.log.WithError(err).Debug("poll action failed")
		}
	}

	e.changeSession = newChangeSet()

	if doPosition && pos != nil {
		if pos.RelTime != "" {
			if ms, err := ParseHMS(pos.RelTime); err == nil {
				e.setElapsed(ms)
			}
		}
		if pos.TrackURI != "" {
			e.setCurrentURI(pos.TrackURI)
		}
		if pos.TrackDuration != "" {
			if ms, err := ParseHMS(pos.TrackDuration); err == nil {
				e.setCurrentTrackDuration(ms)
			}
		}

		// Devices occasionally report an unchanged elapsed while playing;
		// re-poll transport once rather than waiting a full pass to notice
		// a state transition.
		if !doState && !e.changeSession.Has("elapsed") && (e.state == "TRANSITIONING" || e.state == "PLAYING") {
			if ts, err := getTransportInfo(ctx, e.avt); err == nil && ts != "" {
				e.setState(ts)
			}
		}
	}
	if doState && transportState != "" {
		e.setState(transportState)
	}
	if doVolume && volOK {
		e.setVolume(ConvertVolume(vol, e.volumeMax, e.volumeMin, 100, 0, 1))
	}
	if doMuted && mutedOK {
		e.setMuted(muted)
	}

	e.finishChangeSession()
}

func (e *Engine) applyUpdate(req updateRequest) {
	if req.forceClearURI {
		req.hasURI = true
		req.uri = ""
	}
	if req.hasState && req.state == e.state {
		req.hasState = false
	}
	if req.hasURI && !req.forceClearURI && req.uri == e.currentURI {
		req.hasURI = false
	}
	if req.hasElapsed && req.elapsedMs == e.elapsed {
		req.hasElapsed = false
	}
	if !req.hasState && !req.hasURI && !req.hasElapsed {
		return
	}

	e.changeSession = newChangeSet()
	if req.hasState {
		e.setState(req.state)
	}
	if req.hasURI {
		e.setCurrentURI(req.uri)
	}
	if req.hasElapsed {
		e.setElapsed(req.elapsedMs)
	}
	e.finishChangeSession()
}

func (e *Engine) finishChangeSession() {
	changed := e.changeSession
	e.changeSession = nil
	e.publishSnapshot()
	if len(changed.Fields) > 0 && e.onChange != nil {
		e.onChange(*changed)
	}
}

func (e *Engine) publishSnapshot() {
	e.snapMu.Lock()
	e.snap = Snapshot{
		State:                e.state,
		Volume:               e.volume,
		Elapsed:              e.elapsed,
		CurrentURI:           e.currentURI,
		CurrentTrackDuration: e.currentTrackDuration,
		Muted:                e.muted,
	}
	e.snapMu.Unlock()
}

func (e *Engine) recordChange(name string, newV, oldV interface{}) {
	if e.changeSession != nil {
		e.changeSession.Fields[name] = FieldChange{New: newV, Old: oldV}
	}
}

func (e *Engine) setState(v string) {
	if e.state == v {
		return
	}
	e.recordChange("state", v, e.state)
	e.state = v
}

func (e *Engine) setVolume(v int) {
	if e.volume == v {
		return
	}
	e.recordChange("volume", v, e.volume)
	e.volume = v
}

func (e *Engine) setElapsed(v int64) {
	if e.elapsed == v {
		return
	}
	e.recordChange("elapsed", v, e.elapsed)
	e.elapsed = v
}

func (e *Engine) setCurrentURI(v string) {
	if e.currentURI == v {
		return
	}
	e.recordChange("current_uri", v, e.currentURI)
	e.currentURI = v
}

func (e *Engine) setCurrentTrackDuration(v int64) {
	if e.currentTrackDuration == v {
		return
	}
	e.recordChange("current_track_duration", v, e.currentTrackDuration)
	e.currentTrackDuration = v
}

func (e *Engine) setMuted(v bool) {
	if e.muted == v {
		return
	}
	e.recordChange("muted", v, e.muted)
	e.muted = v
}
