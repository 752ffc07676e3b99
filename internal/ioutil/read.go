package ioutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseBody caps provider responses read into memory.
const MaxResponseBody = 1 << 20

// ErrBodyTooLarge is returned by ReadBody when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// Read failures are described in the returned string; it is meant for logs
// and error messages only.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// ReadBody reads all of r, failing if it holds more than limit bytes.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
