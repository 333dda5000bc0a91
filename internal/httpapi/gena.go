package httpapi

import (
	"regexp"

	"github.com/beevik/etree"
)

// genaXMLNS strips the outer event namespace declarations a GENA NOTIFY body
// carries (`xmlns:e="urn:schemas-upnp-org:event-1-0"` and similar), the same
// namespace-stripping idiom internal/upnp uses for SOAP/SCPD/root-description
// parsing, duplicated here in miniature rather than exported from upnp since
// the GENA event shape (a property set whose LastChange value is itself
// XML-escaped text, parsed twice) is distinct enough not to share a parser.
var genaXMLNS = regexp.MustCompile(`\sxmlns(:\w+)?="[^"]*"`)

func parseLooseXML(raw string) (*etree.Document, error) {
	stripped := genaXMLNS.ReplaceAllString(raw, "")
	doc := etree.NewDocument()
	if err := doc.ReadFromString(stripped); err != nil {
		return nil, err
	}
	return doc, nil
}

// genaEvent is the subset of a GENA AVTransport LastChange event this bridge
// acts on, mirroring `_examples/original_source/plex/adapters.py`'s
// update_state: propertyset -> property -> LastChange -> Event -> InstanceID
// -> {TransportState, AVTransportURI, RelativeTimePosition}.
type genaEvent struct {
	TransportState      string
	AVTransportURI       string
	RelativeTimePosition string
}

// parseGENAEvent parses a GENA NOTIFY request body. The outer propertyset
// uses namespace prefixes (stripped by parseLooseXML); LastChange's text
// content is itself an XML-escaped `<Event>` document, decoded by etree's
// text unescaping and parsed a second time. Returns ok=false (not an error)
// for a body that doesn't carry a LastChange property at all - some devices
// send other event variable sets this bridge doesn't act on.
func parseGENAEvent(body []byte) (genaEvent, bool) {
	doc, err := parseLooseXML(string(body))
	if err != nil {
		return genaEvent{}, false
	}
	lastChange := findElementAnyTag(doc.Root(), "LastChange")
	if lastChange == nil {
		return genaEvent{}, false
	}

	inner, err := parseLooseXML(lastChange.Text())
	if err != nil {
		return genaEvent{}, false
	}
	instanceID := findElementAnyTag(inner.Root(), "InstanceID")
	if instanceID == nil {
		return genaEvent{}, false
	}

	ev := genaEvent{}
	if e := instanceID.FindElement("TransportState"); e != nil {
		ev.TransportState = e.SelectAttrValue("val", "")
	}
	if e := instanceID.FindElement("AVTransportURI"); e != nil {
		ev.AVTransportURI = e.SelectAttrValue("val", "")
	}
	if e := instanceID.FindElement("RelativeTimePosition"); e != nil {
		ev.RelativeTimePosition = e.SelectAttrValue("val", "")
	}
	return ev, true
}

// findElementAnyTag searches the subtree rooted at elem (inclusive) for the
// first element whose local (prefix-stripped) tag matches name.
func findElementAnyTag(elem *etree.Element, name string) *etree.Element {
	if elem == nil {
		return nil
	}
	if localTag(elem.Tag) == name {
		return elem
	}
	for _, child := range elem.ChildElements() {
		if found := findElementAnyTag(child, name); found != nil {
			return found
		}
	}
	return nil
}

func localTag(tag string) string {
	for i := len(tag) - 1; i >= 0; i-- {
		if tag[i] == ':' {
			return tag[i+1:]
		}
	}
	return tag
}
