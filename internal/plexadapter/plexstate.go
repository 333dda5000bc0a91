package plexadapter

import "context"

// PlexState is the Plex-vocabulary playback state string a timeline/
// subscriber message reports, derived from the engine's raw UPnP transport
// state.
func (a *Adapter) PlexState() string {
	switch a.State.Snapshot().State {
	case "":
		return ""
	case "PLAYING":
		return "playing"
	case "STOPPED", "NO_MEDIA_PRESENT":
		return "stopped"
	case "PAUSED_PLAYBACK":
		return "paused"
	case "TRANSITIONING":
		return "playing"
	default:
		return ""
	}
}

// TimelineFields is the full set of fields a TIMELINE_PLAYING message
// substitutes, assembled from the engine snapshot, the play queue, and the
// PlexLib connection info.
type TimelineFields struct {
	State            string
	Time             int64
	Volume           int
	Muted            bool
	Shuffle          int
	Repeat           int
	Duration         int64
	Key              string
	RatingKey        string
	ContainerKey     string
	PlayQueueID      int64
	PlayQueueVersion int64
	PlayQueueItemID  int64
	Protocol         string
	Address          string
	Port             int
	MachineIdentifier string
}

// GetState builds the fields needed for a timeline push. Returns
// (TimelineFields{}, false) when there is nothing playable yet (stopped, no
// state, or no queue), matching the original's get_state returning {}.
func (a *Adapter) GetState(ctx context.Context) (TimelineFields, bool, error) {
	snap := a.State.Snapshot()
	q := a.Queue()
	if snap.State == "STOPPED" || snap.State == "" || q == nil {
		return TimelineFields{}, false, nil
	}

	shuffle := a.Shuffle()
	if shuffle > 0 {
		allow, err := q.AllowShuffle(ctx)
		if err != nil {
			return TimelineFields{}, false, err
		}
		if !allow {
			shuffle = 0
		}
	}

	trackInfo, err := q.GetTrackInfo(ctx)
	if err != nil {
		return TimelineFields{}, false, err
	}

	return TimelineFields{
		State:             a.PlexState(),
		Time:              snap.Elapsed,
		Volume:            snap.Volume,
		Muted:             snap.Muted,
		Shuffle:           shuffle,
		Repeat:            q.Repeat,
		Duration:          trackInfo.Duration,
		Key:               trackInfo.Key,
		RatingKey:         trackInfo.RatingKey,
		ContainerKey:      trackInfo.ContainerKey,
		PlayQueueID:       trackInfo.PlayQueueID,
		PlayQueueVersion:  trackInfo.PlayQueueVersion,
		PlayQueueItemID:   trackInfo.PlayQueueItemID,
		Protocol:          a.Lib.Protocol,
		Address:           a.Lib.Address,
		Port:              a.Lib.Port,
		MachineIdentifier: a.Lib.MachineID,
	}, true, nil
}

// NoNotice reports whether the adapter is mid-auto-next (suppressing a
// server-push notification for a purely internal TRANSITIONING blip).
func (a *Adapter) NoNotice() bool {
	return a.noNotice.Load()
}
