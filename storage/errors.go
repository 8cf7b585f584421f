package storage

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadStatus        = errors.New("unexpected status from media endpoint")
	ErrHTMLPayload      = errors.New("media endpoint returned an html page")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrStalled          = errors.New("media body stalled")
)

// StatusError is returned for any non-2xx response to a media request
type StatusError struct {
	Code  int
	Title string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: %d %s", ErrBadStatus, e.Code, http.StatusText(e.Code))
	if e.Title != "" {
		msg += fmt.Sprintf(" (%s)", e.Title)
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}

// countsAgainstBreaker separates a CMS that is down from a CMS that
// is up but doesn't like one particular request
func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, ErrHTMLPayload) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return true
}
