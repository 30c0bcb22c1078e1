package proxylab

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Size constants for configuring limits.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// ErrResponseTooLarge is returned when a forwarded response exceeds the
// configured cap.
var ErrResponseTooLarge = errors.New("response too large")

// limitedReader passes through at most limit bytes of r and reports
// ErrResponseTooLarge as soon as more data is available past the limit.
type limitedReader struct {
	r         io.Reader
	remaining int64
	limit     int64
}

// newLimitedReader caps r at limit bytes. A limit of zero or less disables
// the cap.
func newLimitedReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return &limitedReader{r: r, remaining: limit, limit: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrResponseTooLarge, l.limit)
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.r.Read(p)
	l.remaining -= int64(n)

	// At the limit: peek to tell a clean end from an overflow.
	if l.remaining == 0 && err == nil {
		var peek [1]byte
		pn, perr := l.r.Read(peek[:])
		if pn > 0 {
			return n, fmt.Errorf("%w: exceeded limit of %d bytes", ErrResponseTooLarge, l.limit)
		}
		if perr != nil {
			err = perr
		}
	}

	return n, err
}

// LimitRequestBody rejects dashboard requests whose body exceeds maxSize
// with 413 Payload Too Large.
func LimitRequestBody(maxSize int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, MessageResponse{
				Status:  "error",
				Message: fmt.Sprintf("request body exceeds %d bytes", maxSize),
			})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		next.ServeHTTP(w, r)
	})
}
