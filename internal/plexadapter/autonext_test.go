package plexadapter

import (
	"context"
	"testing"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/dlnastate"
	"github.com/snapetech/plexdlnabridge/internal/playqueue"
)

func TestCheckAutoNext_noQueueReturnsFalse(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"elapsed": {New: int64(0), Old: int64(179500)},
	}}
	if a.checkAutoNext(changed) {
		t.Fatal("expected false with no play queue set")
	}
}

func TestCheckAutoNext_trackEndedNearZeroTriggersAdvance(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)
	a.setCurrentTrack(&playqueue.TrackInfo{Duration: 180000})

	a.State.Start(ctx)
	defer a.State.Close()
	a.State.Update("PLAYING", "http://host/library/parts/1/file.mp3", "")
	waitUntil(t, time.Second, func() bool { return a.State.Snapshot().CurrentURI != "" })

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"elapsed": {New: int64(0), Old: int64(179500)},
	}}
	if !a.checkAutoNext(changed) {
		t.Fatal("expected an elapsed reset near track end to trigger auto-next")
	}
}

func TestCheckAutoNext_ranPastTrackEndTriggersAdvance(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)
	a.setCurrentTrack(&playqueue.TrackInfo{Duration: 180000})

	a.State.Start(ctx)
	defer a.State.Close()
	a.State.Update("PLAYING", "http://host/library/parts/1/file.mp3", "")
	waitUntil(t, time.Second, func() bool { return a.State.Snapshot().CurrentURI != "" })

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"elapsed": {New: int64(180000), Old: int64(179000)},
	}}
	if !a.checkAutoNext(changed) {
		t.Fatal("expected elapsed running past the track's own duration to trigger auto-next")
	}
}

func TestCheckAutoNext_midTrackElapsedTickDoesNotAdvance(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)
	a.setCurrentTrack(&playqueue.TrackInfo{Duration: 180000})

	a.State.Start(ctx)
	defer a.State.Close()
	a.State.Update("PLAYING", "http://host/library/parts/1/file.mp3", "")
	waitUntil(t, time.Second, func() bool { return a.State.Snapshot().CurrentURI != "" })

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"elapsed": {New: int64(30000), Old: int64(29000)},
	}}
	if a.checkAutoNext(changed) {
		t.Fatal("expected an ordinary mid-track elapsed tick not to trigger auto-next")
	}
}

// TestCheckAutoNext_transitioningBackOffNeverAdvances exercises the exact
// if/elif exclusivity from the original's check_auto_next: once the outer
// guard (leaving TRANSITIONING for anything but PLAYING) applies, the
// function must return false outright and never fall through to the
// STOPPED-near-end elif below it.
func TestCheckAutoNext_transitioningBackOffNeverAdvances(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"state": {New: "STOPPED", Old: "TRANSITIONING"},
	}}
	if a.checkAutoNext(changed) {
		t.Fatal("expected leaving TRANSITIONING for a non-PLAYING state to never advance")
	}
}

func TestCheckAutoNext_stoppedNearTrackEndTriggersAdvance(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)

	// snap.CurrentTrackDuration and snap.Elapsed are both still zero (no
	// position has been observed), so their difference trivially satisfies
	// the original's "track effectively over" guard.
	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"state": {New: "STOPPED", Old: "PLAYING"},
	}}
	if !a.checkAutoNext(changed) {
		t.Fatal("expected a Stop landing at (near) the track's end to trigger auto-next")
	}
}

func TestCheckAutoNext_stoppedMidTrackDoesNotAdvance(t *testing.T) {
	a, _, ts, srv := buildAdapter(t)
	defer srv.Close()
	ctx := context.Background()
	ts.setContainer(twoTrackContainer(0))

	q := a.Lib.GetQueue("/playQueues/10")
	if _, err := q.GetInfo(ctx); err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	a.SetQueue(q)

	// A real GetPositionInfo poll, not Engine.Update, is the only way to
	// populate CurrentTrackDuration; without it the "stopped near end" guard
	// (CurrentTrackDuration-Elapsed<=1) is trivially satisfied by the zero
	// value, which would make this scenario advance rather than not.
	ts.setPosition("00:00:30", "", "00:03:00")
	a.State.Start(ctx)
	defer a.State.Close()
	a.State.SetCheckAllNextLoop()
	waitUntil(t, time.Second, func() bool { return a.State.Snapshot().CurrentTrackDuration == 180000 })

	changed := dlnastate.ChangeSet{Fields: map[string]dlnastate.FieldChange{
		"state": {New: "STOPPED", Old: "PLAYING"},
	}}
	if a.checkAutoNext(changed) {
		t.Fatal("expected a Stop well short of the track's end not to trigger auto-next")
	}
}
