package upnp

import (
	"regexp"

	"github.com/beevik/etree"
)

// defaultXMLNS matches the first default-namespace declaration in a document,
// e.g. xmlns="urn:schemas-upnp-org:device-1-0". Stripping it lets etree's
// FindElement navigate by bare tag name instead of requiring namespace-aware
// queries for every root description, SCPD, and SOAP body this package reads.
var defaultXMLNS = regexp.MustCompile(`\sxmlns="[^"]*"`)

// parseStrippingNamespace strips the first default xmlns="..." occurrence
// from raw and parses the result into an etree.Document.
func parseStrippingNamespace(raw string) (*etree.Document, error) {
	stripped := raw
	if loc := defaultXMLNS.FindStringIndex(raw); loc != nil {
		stripped = raw[:loc[0]] + raw[loc[1]:]
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(stripped); err != nil {
		return nil, err
	}
	return doc, nil
}
