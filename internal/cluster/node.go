package cluster

import (
	"fmt"
	"net"
	"strconv"
)

// NodeDescriptor identifies one server node in the cluster.
// Descriptors are issued by the Registration Service and never mutated.
type NodeDescriptor struct {
	IP   string `json:"ip"`
	ID   int    `json:"id"`
	Port int    `json:"port"`
}

// Addr returns the node's dialable host:port.
func (n NodeDescriptor) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// Endpoint returns the node's listening endpoint.
func (n NodeDescriptor) Endpoint() Endpoint {
	return Endpoint{IP: n.IP, Port: n.Port}
}

func (n NodeDescriptor) String() string {
	return fmt.Sprintf("node %d (%s)", n.ID, n.Addr())
}

// Endpoint is an ip:port pair. Two endpoints are the same subscriber or
// publisher iff their Addr values are equal.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the endpoint as host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// Valid reports whether the endpoint has a host and a usable port.
func (e Endpoint) Valid() bool {
	return e.IP != "" && e.Port > 0 && e.Port <= 65535
}

// ParseEndpoint splits a host:port string into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port: %w", addr, err)
	}
	ep := Endpoint{IP: host, Port: port}
	if !ep.Valid() {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: host and port 1-65535 required", addr)
	}
	return ep, nil
}
