package upnp

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const soapEnvelopeTemplate = `<?xml version="1.0" encoding="utf-8"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body><u:%s xmlns:u="%s">%s</u:%s></s:Body></s:Envelope>`

// actionDefaults are merged into an action's argument set when the caller
// did not supply them, matching the original bridge's default-argument table.
var actionDefaults = map[string]string{
	"InstanceID":         "0",
	"Channel":            "Master",
	"CurrentURIMetaData": "",
	"NextURIMetaData":    "",
	"Unit":               "REL_TIME",
	"Speed":              "1",
}

// buildSOAPRequest renders the envelope for invoking action on urn with args,
// merging in actionDefaults for any argument named in argOrder but absent
// from args. argOrder preserves the SCPD-declared argument order; UPnP
// renderers are not required to tolerate reordered arguments.
func buildSOAPRequest(urn, action string, argOrder []string, args map[string]string) string {
	var body strings.Builder
	for _, name := range argOrder {
		value, ok := args[name]
		if !ok {
			value, ok = actionDefaults[name]
			if !ok {
				continue
			}
		}
		body.WriteString("<")
		body.WriteString(name)
		body.WriteString(">")
		body.WriteString(escapeXMLText(value))
		body.WriteString("</")
		body.WriteString(name)
		body.WriteString(">")
	}
	return fmt.Sprintf(soapEnvelopeTemplate, action, urn, body.String(), action)
}

func escapeXMLText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}

// soapResponse is the outcome of parsing a SOAP response body: either the
// parsed {action}Response element, or a non-nil fault.
type soapResponse struct {
	Element *etree.Element
	Fault   *ApplicationError
}

// parseSOAPResponse extracts the {action}Response element from a 2xx SOAP
// response body, or detects a UPnPError/errorDescription fault embedded in
// the body (which a misbehaving renderer may return with a 2xx status).
func parseSOAPResponse(action, raw string) (*soapResponse, error) {
	doc, err := parseStrippingNamespace(raw)
	if err != nil {
		return nil, fmt.Errorf("upnp: parsing SOAP response: %w", err)
	}

	if fault := findUPnPFault(doc); fault != nil {
		return &soapResponse{Fault: fault}, nil
	}

	respTag := action + "Response"
	elem := findElementAnyDepth(doc.Root(), respTag)
	if elem == nil {
		return nil, fmt.Errorf("upnp: SOAP response missing %s element", respTag)
	}
	return &soapResponse{Element: elem}, nil
}

// findUPnPFault looks for the UPnP-specific fault detail
// (Fault/detail/UPnPError/errorCode + errorDescription).
func findUPnPFault(doc *etree.Document) *ApplicationError {
	root := doc.Root()
	if root == nil {
		return nil
	}
	upnpErr := findElementAnyDepth(root, "UPnPError")
	if upnpErr == nil {
		return nil
	}
	code := ""
	desc := ""
	if e := upnpErr.FindElement("errorCode"); e != nil {
		code = e.Text()
	}
	if e := upnpErr.FindElement("errorDescription"); e != nil {
		desc = e.Text()
	}
	return &ApplicationError{Code: code, Description: desc}
}

// findElementAnyDepth searches the subtree rooted at elem for the first
// element named tag, regardless of depth or prefix.
func findElementAnyDepth(elem *etree.Element, tag string) *etree.Element {
	if elem == nil {
		return nil
	}
	for _, child := range elem.ChildElements() {
		if localName(child.Tag) == tag {
			return child
		}
		if found := findElementAnyDepth(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func localName(tag string) string {
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}
