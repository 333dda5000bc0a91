package subscribe

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/snapetech/plexdlnabridge/internal/plexadapter"
)

// timelineKV returns the ordered {key, value} pairs TIMELINE_PLAYING and the
// server-notify push both carry, matching the original's params dict order
// (state first, then the rest of get_state's fields, itemType last).
func timelineKV(f plexadapter.TimelineFields) [][2]string {
	return [][2]string{
		{"state", f.State},
		{"time", strconv.FormatInt(f.Time, 10)},
		{"volume", strconv.Itoa(f.Volume)},
		{"mute", boolToIntString(f.Muted)},
		{"shuffle", strconv.Itoa(f.Shuffle)},
		{"repeat", strconv.Itoa(f.Repeat)},
		{"duration", strconv.FormatInt(f.Duration, 10)},
		{"key", f.Key},
		{"ratingKey", f.RatingKey},
		{"containerKey", f.ContainerKey},
		{"playQueueID", strconv.FormatInt(f.PlayQueueID, 10)},
		{"playQueueVersion", strconv.FormatInt(f.PlayQueueVersion, 10)},
		{"playQueueItemID", strconv.FormatInt(f.PlayQueueItemID, 10)},
		{"protocol", f.Protocol},
		{"address", f.Address},
		{"port", strconv.Itoa(f.Port)},
		{"machineIdentifier", f.MachineIdentifier},
		{"itemType", "music"},
	}
}

// timelineAttrs renders timelineKV as the space-joined key="value" run the
// <Timeline ...> element's attributes need.
func timelineAttrs(f plexadapter.TimelineFields) string {
	out := ""
	for i, kv := range timelineKV(f) {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf(`%s="%s"`, kv[0], kv[1])
	}
	return out
}

// timelineQuery renders timelineKV as a query string for the server-notify
// GET.
func timelineQuery(f plexadapter.TimelineFields) url.Values {
	q := url.Values{}
	for _, kv := range timelineKV(f) {
		q.Set(kv[0], kv[1])
	}
	return q
}

func boolToIntString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
