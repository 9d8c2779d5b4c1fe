package http10

import (
	"fmt"
	"io"
)

// WriteHead writes an HTTP/1.0 status line, a Content-Type header and the blank
// line that ends the header block.
func WriteHead(w io.Writer, status Status, contentType string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.0 %s\r\nContent-Type: %s\r\n\r\n", status, contentType)
	return err
}
