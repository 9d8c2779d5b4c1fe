package http10

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedRequest is returned when the request line or a header line cannot be parsed.
var ErrMalformedRequest = errors.New("malformed request")

var errLineTooLong = errors.New("line too long")

const (
	DefaultMaxLineBytes = 8192
	DefaultMaxHeaders   = 100
)

// ParseOptions bounds the amount of input a single request may consume.
// Zero values select the defaults.
type ParseOptions struct {
	MaxLineBytes int
	MaxHeaders   int
}

func (o ParseOptions) maxLine() int {
	if o.MaxLineBytes <= 0 {
		return DefaultMaxLineBytes
	}
	return o.MaxLineBytes
}

func (o ParseOptions) maxHeaders() int {
	if o.MaxHeaders <= 0 {
		return DefaultMaxHeaders
	}
	return o.MaxHeaders
}

// ReadRequest reads the request line and headers from r into req.
// On failure the method, uri and query fields are left as empty strings so
// the caller can still respond.
func ReadRequest(r *bufio.Reader, req *Request, opts ParseOptions) error {
	if err := readRequestLine(r, req, opts); err != nil {
		req.Method, req.URI, req.Query = "", "", ""
		return err
	}
	return readHeaders(r, req, opts)
}

// similar to readLineSlice() in net/textproto/reader.go, with a length cap
func readLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		l, more, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		if line == nil && !more {
			if len(l) > max {
				return "", errLineTooLong
			}
			return string(l), nil
		}
		line = append(line, l...)
		if len(line) > max {
			return "", errLineTooLong
		}
		if !more {
			break
		}
	}
	return string(line), nil
}

func readRequestLine(r *bufio.Reader, req *Request, opts ParseOptions) error {
	rl, err := readLine(r, opts.maxLine())
	if err != nil {
		return fmt.Errorf("%w: reading request line: %v", ErrMalformedRequest, err)
	}
	fields := strings.Fields(rl)
	if len(fields) < 2 {
		return fmt.Errorf("%w: no uri in request line %q", ErrMalformedRequest, rl)
	}
	req.Method = fields[0]
	if uri, query, ok := strings.Cut(fields[1], "?"); ok {
		req.URI, req.Query = uri, query
	} else {
		req.URI, req.Query = fields[1], ""
	}
	return nil
}

func readHeaders(r *bufio.Reader, req *Request, opts ParseOptions) error {
	for {
		line, err := readLine(r, opts.maxLine())
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading header: %v", ErrMalformedRequest, err)
		}
		// a line of at most one byte (a bare "\r", or a stray "X") ends the headers
		if len(line) <= 1 {
			return nil
		}
		if len(req.Headers) >= opts.maxHeaders() {
			return fmt.Errorf("%w: more than %d headers", ErrMalformedRequest, opts.maxHeaders())
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return fmt.Errorf("%w: invalid header %q", ErrMalformedRequest, line)
		}
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
	}
}
