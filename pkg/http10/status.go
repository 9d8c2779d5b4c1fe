package http10

// Status is the outcome of handling a single request.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusNotFound
	StatusInternalServerError
	// StatusTeapot is reserved and never produced by the server.
	StatusTeapot
)

var statusLines = [...]string{
	StatusOK:                  "200 OK",
	StatusBadRequest:          "400 Bad Request",
	StatusNotFound:            "404 Not Found",
	StatusInternalServerError: "500 Internal Server Error",
	StatusTeapot:              "418 I'm A Teapot",
}

var statusCodes = [...]int{
	StatusOK:                  200,
	StatusBadRequest:          400,
	StatusNotFound:            404,
	StatusInternalServerError: 500,
	StatusTeapot:              418,
}

// String returns the status as it appears on the status line, e.g. "404 Not Found".
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusLines) {
		return statusLines[StatusInternalServerError]
	}
	return statusLines[s]
}

// Code returns the numeric HTTP status code.
func (s Status) Code() int {
	if s < 0 || int(s) >= len(statusCodes) {
		return 500
	}
	return statusCodes[s]
}
