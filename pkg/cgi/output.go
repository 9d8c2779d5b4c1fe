package cgi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/raphaelreyna/spidey/pkg/http10"
)

// ErrBadOutput is returned by an OutputHandler that rejected the script's
// output before writing anything to the client.
var ErrBadOutput = errors.New("cgi: bad script output")

// OutputHandler copies the output of a started subprocess from stdoutRead to w.
// The subprocess is killed if OutputHandler returns an error.
type OutputHandler func(w io.Writer, stdoutRead io.Reader, h *Handler) error

const lineBufferSize = 1024

// RawOutput sends the output of the script verbatim, line by line. The script
// is responsible for the status line and headers.
var RawOutput OutputHandler = func(w io.Writer, stdoutRead io.Reader, h *Handler) error {
	linebody := bufio.NewReaderSize(stdoutRead, lineBufferSize)
	for {
		// lines longer than the buffer are forwarded in buffer-sized pieces
		line, err := linebody.ReadSlice('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// HeaderOutput reads CGI response headers from the script and writes an
// HTTP/1.0 status line in front of them. A "Status" header sets the status,
// a "Location" header without one yields 302 Found. Scripts must send a
// Content-Type unless they set a status or location.
var HeaderOutput OutputHandler = func(w io.Writer, stdoutRead io.Reader, h *Handler) error {
	linebody := bufio.NewReaderSize(stdoutRead, lineBufferSize)
	var headers http10.Headers
	status := ""
	sawBlankLine := false
	for {
		line, isPrefix, err := linebody.ReadLine()
		if isPrefix {
			return fmt.Errorf("%w: long header line", ErrBadOutput)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading headers: %v", ErrBadOutput, err)
		}
		if len(line) == 0 {
			sawBlankLine = true
			break
		}
		k, v, ok := strings.Cut(string(line), ":")
		if !ok {
			h.logger().Debug("cgi: bogus header line", zap.ByteString("line", line))
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "Status" {
			if len(v) < 3 {
				return fmt.Errorf("%w: bogus status (short): %q", ErrBadOutput, v)
			}
			if _, err := strconv.Atoi(v[0:3]); err != nil {
				return fmt.Errorf("%w: bogus status: %q", ErrBadOutput, v)
			}
			status = v
			continue
		}
		headers = append(headers, http10.Header{Name: k, Value: v})
	}
	if (len(headers) == 0 && status == "") || !sawBlankLine {
		return fmt.Errorf("%w: no headers", ErrBadOutput)
	}

	if _, ok := headers.Get("Location"); ok && status == "" {
		status = "302 Found"
	}
	if _, ok := headers.Get("Content-Type"); !ok && status == "" {
		return fmt.Errorf("%w: missing required Content-Type in headers", ErrBadOutput)
	}
	if status == "" {
		status = http10.StatusOK.String()
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.0 %s\r\n", status)
	for _, hdr := range headers {
		fmt.Fprintf(bw, "%s: %s\r\n", hdr.Name, hdr.Value)
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return err
	}

	_, err := io.Copy(w, linebody)
	return err
}
