package handler

import (
	"fmt"
	"io"

	"github.com/raphaelreyna/spidey/pkg/http10"
)

// Error writes a minimal HTML page for status and returns status.
// Write errors are ignored: the connection is closed right after anyway.
func Error(w io.Writer, status http10.Status) http10.Status {
	_ = http10.WriteHead(w, status, "text/html")
	fmt.Fprintf(w, "<h1>%s</h1>\r\n", status)
	return status
}
