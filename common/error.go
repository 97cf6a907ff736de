package common

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// NotFoundable lets error types signal a definitive miss, as opposed to a
// transient failure worth retrying.
type NotFoundable interface {
	IsNotFound() bool
}

func IsNotFound(err error) bool {
	var nf NotFoundable
	return errors.As(err, &nf) && nf.IsNotFound()
}

// HttpError is a non-200 response from a blob fetch.
type HttpError struct {
	code int
	body string
}

var _ NotFoundable = (*HttpError)(nil)

// note: this does not close res.Body, caller should close it
func HttpErrorFromRes(res *http.Response) HttpError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return HttpError{code: res.StatusCode, body: string(body)}
}

func (e HttpError) Error() string {
	if len(e.body) == 0 {
		return fmt.Sprintf("http status %d", e.code)
	}
	return fmt.Sprintf("http status %d: %q", e.code, e.body)
}

func (e HttpError) Code() int { return e.code }

func (e HttpError) IsNotFound() bool {
	return e.code == http.StatusNotFound
}
