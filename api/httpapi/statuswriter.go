package httpapi

import (
	"bufio"
	"net"
	"net/http"

	"golang.org/x/xerrors"
)

var _ http.ResponseWriter = (*StatusWriter)(nil)

// StatusWriter intercepts the status code written to a response so
// middleware can log it.  The first kilobyte of error response bodies is
// retained for the same purpose.
type StatusWriter struct {
	http.ResponseWriter
	Status   int
	Hijacked bool

	responseBody []byte
	wroteHeader  bool
}

func (w *StatusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.Status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.Status = http.StatusOK
		w.wroteHeader = true
	}
	if w.Status >= http.StatusBadRequest {
		// Copy the early part of the body so errors can be logged without
		// retaining arbitrarily large payloads.
		n := len(b)
		if n > 1024 {
			n = 1024
		}
		if remain := 1024 - len(w.responseBody); remain > 0 {
			if n > remain {
				n = remain
			}
			w.responseBody = append(w.responseBody, b[:n]...)
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *StatusWriter) ResponseBody() []byte {
	return w.responseBody
}

func (w *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.Errorf("%T is not a http.Hijacker", w.ResponseWriter)
	}
	w.Hijacked = true
	return hijacker.Hijack()
}

func (w *StatusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
