package http10

import "net"

// Header is a single request header line.
type Header struct {
	Name  string
	Value string
}

// Headers holds request headers in the order they arrived. Duplicate names are kept.
type Headers []Header

// Get returns the value of the last header named name. Matching is exact.
func (h Headers) Get(name string) (string, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Name == name {
			return h[i].Value, true
		}
	}
	return "", false
}

// Request is the state of one connection. It is owned by a single worker.
type Request struct {
	Conn     net.Conn
	PeerHost string
	PeerPort string

	Method string
	URI    string
	Query  string

	// Path is set once the URI has been resolved under the document root.
	Path string

	Headers Headers
}
