package dlnastate

import (
	"context"
	"fmt"

	"github.com/beevik/etree"
)

// ActionInvoker is the subset of upnp.Service the engine needs: invoking a
// named action with explicit arguments and getting back the parsed
// {action}Response element. Declared here (rather than imported from
// internal/upnp) so the engine can be driven by a fake in tests without
// standing up an HTTP server.
type ActionInvoker interface {
	Invoke(ctx context.Context, action string, args map[string]string) (*etree.Element, error)
}

type positionInfo struct {
	RelTime       string
	TrackURI      string
	TrackDuration string
}

func getPositionInfo(ctx context.Context, avt ActionInvoker) (*positionInfo, error) {
	elem, err := avt.Invoke(ctx, "GetPositionInfo", map[string]string{"InstanceID": "0"})
	if err != nil {
		return nil, err
	}
	if elem == nil {
		return nil, nil
	}
	info := &positionInfo{}
	if e := elem.FindElement("RelTime"); e != nil {
		info.RelTime = e.Text()
	}
	if e := elem.FindElement("TrackURI"); e != nil {
		info.TrackURI = e.Text()
	}
	if e := elem.FindElement("TrackDuration"); e != nil {
		info.TrackDuration = e.Text()
	}
	return info, nil
}

func getTransportInfo(ctx context.Context, avt ActionInvoker) (string, error) {
	elem, err := avt.Invoke(ctx, "GetTransportInfo", map[string]string{"InstanceID": "0"})
	if err != nil {
		return "", err
	}
	if elem == nil {
		return "", nil
	}
	if e := elem.FindElement("CurrentTransportState"); e != nil {
		return e.Text(), nil
	}
	return "", nil
}

func getVolume(ctx context.Context, rc ActionInvoker) (int, bool, error) {
	elem, err := rc.Invoke(ctx, "GetVolume", map[string]string{"InstanceID": "0", "Channel": "Master"})
	if err != nil {
		return 0, false, err
	}
	if elem == nil {
		return 0, false, nil
	}
	e := elem.FindElement("CurrentVolume")
	if e == nil {
		return 0, false, fmt.Errorf("dlnastate: GetVolumeResponse missing CurrentVolume")
	}
	var v int
	if _, err := fmt.Sscanf(e.Text(), "%d", &v); err != nil {
		return 0, false, fmt.Errorf("dlnastate: invalid CurrentVolume %q: %w", e.Text(), err)
	}
	return v, true, nil
}

func getMute(ctx context.Context, rc ActionInvoker) (bool, bool, error) {
	elem, err := rc.Invoke(ctx, "GetMute", map[string]string{"InstanceID": "0", "Channel": "Master"})
	if err != nil {
		return false, false, err
	}
	if elem == nil {
		return false, false, nil
	}
	e := elem.FindElement("CurrentMute")
	if e == nil {
		return false, false, fmt.Errorf("dlnastate: GetMuteResponse missing CurrentMute")
	}
	return e.Text() == "1" || e.Text() == "true", true, nil
}
