package plexadapter

import (
	"context"

	"github.com/snapetech/plexdlnabridge/internal/dlnastate"
	"github.com/snapetech/plexdlnabridge/internal/playqueue"
)

// checkAutoNext decides whether a change session marks a track boundary
// that should advance the queue automatically, and if so dispatches the
// advance and reports true (suppressing the caller's normal
// waiter-notification path, since a forced TRANSITIONING update is about to
// follow anyway). Ported field-for-field from
// `_examples/original_source/plex/adapters.py`'s check_auto_next, using the
// `current_uri` key throughout rather than the original's unused `uri` key
// (see DESIGN.md's Open Question decisions).
func (a *Adapter) checkAutoNext(changed dlnastate.ChangeSet) bool {
	q := a.Queue()
	if q == nil {
		return false
	}

	stateChange, stateChanged := changed.Fields["state"]
	if stateChanged {
		newState, _ := stateChange.New.(string)
		oldState, _ := stateChange.Old.(string)
		if newState != "PLAYING" && oldState == "TRANSITIONING" {
			return false
		}
	}

	snap := a.State.Snapshot()
	track := a.currentTrack()
	uriChanged := changed.Has("current_uri")

	if snap.CurrentURI != "" && !stateChanged && !uriChanged && track != nil {
		elapsedChange, hasElapsed := changed.Fields["elapsed"]
		if hasElapsed {
			newElapsed, _ := elapsedChange.New.(int64)
			oldElapsed, _ := elapsedChange.Old.(int64)
			trackEnded := newElapsed == 0 && oldElapsed > 0 && oldElapsed <= track.Duration && track.Duration-oldElapsed <= 2000
			ranPastEnd := newElapsed != 0 && newElapsed > oldElapsed && (track.Duration/1000*1000) <= newElapsed && newElapsed <= track.Duration
			if trackEnded || ranPastEnd {
				a.triggerAutoNext()
				return true
			}
		}
		return false
	}

	if !uriChanged && stateChanged {
		newState, _ := stateChange.New.(string)
		oldState, _ := stateChange.Old.(string)
		if oldState == "PLAYING" && newState == "STOPPED" && snap.CurrentTrackDuration-snap.Elapsed <= 1 {
			a.triggerAutoNext()
			return true
		}
	}
	return false
}

func (a *Adapter) triggerAutoNext() {
	if a.metrics != nil {
		a.metrics.AutoNextTotal.WithLabelValues(a.Device.UUID).Inc()
	}
	a.noNotice.Store(true)
	a.State.Update("TRANSITIONING", "", "")
	a.State.ClearCurrentURI()
	go a.runAutoNext(context.Background())
	a.noNotice.Store(false)
}

// runAutoNext applies the queue's repeat policy: repeat-one replays the
// current item, repeat-all wraps to offset 0 once the queue is exhausted
// (and shuffle is off), otherwise it's a normal Next.
func (a *Adapter) runAutoNext(ctx context.Context) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	q := a.Queue()
	if q == nil {
		return
	}
	switch {
	case q.Repeat == 1:
		if err := a.playSelectedQueueItemLocked(ctx, 0, false); err != nil {
			a.log.WithError(err).Warn("auto-next repeat-one failed")
		}
	case q.Repeat == 2 && a.atLastOffset(ctx, q) && a.Shuffle() == 0:
		if err := q.SetSelectedOffset(ctx, 0); err != nil {
			a.log.WithError(err).Warn("auto-next repeat-all wrap failed")
			return
		}
		if err := a.playSelectedQueueItemLocked(ctx, 0, false); err != nil {
			a.log.WithError(err).Warn("auto-next repeat-all play failed")
		}
	default:
		if err := a.nextLocked(ctx, false); err != nil {
			a.log.WithError(err).Warn("auto-next advance failed")
		}
	}
}

func (a *Adapter) atLastOffset(ctx context.Context, q *playqueue.PlayQueue) bool {
	offset, err := q.SelectedOffset(ctx)
	if err != nil {
		return false
	}
	total, err := q.TotalCount(ctx)
	if err != nil {
		return false
	}
	return offset >= total-1
}
