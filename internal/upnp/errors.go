package upnp

import "fmt"

// SocketError indicates a multicast or unicast socket could not be bound or
// joined. Fatal to discovery, never to an already-known Device.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("upnp: socket error during %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ConnectError wraps a refused or unreachable connection to a device, the
// class of failure that drives the 20-strikes self-removal rule.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upnp: connect error to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NotValidDeviceError means a root description is missing a required field
// (friendlyName, UDN, or one of the mandatory AVTransport/RenderingControl
// services).
type NotValidDeviceError struct {
	LocationURL string
	Reason      string
}

func (e *NotValidDeviceError) Error() string {
	return fmt.Sprintf("upnp: %s is not a valid device: %s", e.LocationURL, e.Reason)
}

// ApplicationError represents a parsed UPnPError/errorDescription fault
// returned inside an otherwise-2xx SOAP response body.
type ApplicationError struct {
	Code        string
	Description string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("upnp: UPnPError %s: %s", e.Code, e.Description)
}
