package mq

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Transports understood by ParseEndpoint.
const (
	TransportTCP    = "tcp"
	TransportIPC    = "ipc"
	TransportInproc = "inproc"
)

const maxInprocName = 256

// Endpoint is a parsed "transport://address" string.
type Endpoint struct {
	Transport string
	// Host and Port are set for tcp endpoints only.
	Host string
	Port string
	// Path holds the ipc path or inproc name.
	Path string
}

// ParseEndpoint validates an endpoint string. Wildcards ("*" host or port)
// are accepted here; whether they are allowed depends on bind vs connect.
func ParseEndpoint(s string) (Endpoint, error) {
	transport, addr, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, endpointErr("parse", s, ErrAddress, errors.New("missing transport separator"))
	}
	switch transport {
	case TransportTCP:
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return Endpoint{}, endpointErr("parse", s, ErrAddress, err)
		}
		if host == "" {
			return Endpoint{}, endpointErr("parse", s, ErrAddress, errors.New("empty host"))
		}
		if port != "*" {
			n, err := strconv.Atoi(port)
			if err != nil || n < 0 || n > 65535 {
				return Endpoint{}, endpointErr("parse", s, ErrAddress, fmt.Errorf("invalid port %q", port))
			}
		}
		return Endpoint{Transport: transport, Host: host, Port: port}, nil
	case TransportIPC, TransportInproc:
		if addr == "" {
			return Endpoint{}, endpointErr("parse", s, ErrAddress, errors.New("empty address"))
		}
		if transport == TransportInproc && len(addr) > maxInprocName {
			return Endpoint{}, endpointErr("parse", s, ErrAddress, errors.New("inproc name too long"))
		}
		return Endpoint{Transport: transport, Path: addr}, nil
	case "":
		return Endpoint{}, endpointErr("parse", s, ErrAddress, errors.New("empty transport"))
	}
	return Endpoint{}, endpointErr("parse", s, ErrAddress, fmt.Errorf("unsupported transport %q", transport))
}

func (e Endpoint) String() string {
	if e.Transport == TransportTCP {
		return e.Transport + "://" + net.JoinHostPort(e.Host, e.Port)
	}
	return e.Transport + "://" + e.Path
}

// Wildcard reports whether the endpoint names any interface or port.
func (e Endpoint) Wildcard() bool {
	return e.Host == "*" || e.Port == "*"
}

// bindAddr resolves wildcards into the form zmq4 listens on.
func (e Endpoint) bindAddr() string {
	if e.Transport != TransportTCP {
		return e.String()
	}
	host, port := e.Host, e.Port
	if host == "*" {
		host = "0.0.0.0"
	}
	if port == "*" {
		port = "0"
	}
	return TransportTCP + "://" + net.JoinHostPort(host, port)
}

func (e Endpoint) validForConnect() error {
	if e.Transport != TransportTCP {
		return nil
	}
	if e.Wildcard() {
		return errors.New("wildcard not allowed in connect")
	}
	if e.Port == "0" {
		return errors.New("port 0 not allowed in connect")
	}
	return nil
}
