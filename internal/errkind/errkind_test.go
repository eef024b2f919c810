package errkind

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeValidationError struct{ msg string }

func (e fakeValidationError) Error() string    { return e.msg }
func (e fakeValidationError) IsValidation() bool { return true }

type fakeHTTPError struct{ code int }

func (e fakeHTTPError) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e fakeHTTPError) StatusCode() int { return e.code }

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		429: Transient,
		500: Transient,
		502: Transient,
		503: Transient,
		504: Transient,
		404: NotFound,
		400: Permanent,
		401: Permanent,
		403: Permanent,
		405: Permanent,
		410: Permanent,
		422: Permanent,
		418: Permanent, // other 4xx
		599: Transient, // other 5xx
	}
	for code, want := range cases {
		assert.Equalf(t, want, ClassifyHTTPStatus(code), "code %d", code)
	}
}

func TestClassifyException_HTTPDelegation(t *testing.T) {
	assert.Equal(t, Permanent, ClassifyException(fakeHTTPError{code: 401}))
	assert.Equal(t, Transient, ClassifyException(fakeHTTPError{code: 503}))
}

func TestClassifyException_ConnectionRefused(t *testing.T) {
	err := errors.New("dial tcp 127.0.0.1:32400: connect: connection refused")
	assert.Equal(t, ServerDown, ClassifyException(err))
}

func TestClassifyException_DNSFailure(t *testing.T) {
	var dnsErr *net.DNSError = &net.DNSError{Err: "no such host", Name: "plex.invalid", IsNotFound: true}
	assert.Equal(t, ServerDown, ClassifyException(dnsErr))
}

func TestClassifyException_Validation(t *testing.T) {
	err := fakeValidationError{msg: "payload.path is required"}
	assert.Equal(t, Permanent, ClassifyException(err))
}

func TestClassifyException_Unknown(t *testing.T) {
	assert.Equal(t, Transient, ClassifyException(errors.New("something odd happened")))
}

func TestKind_IsTransient(t *testing.T) {
	assert.True(t, Transient.IsTransient())
	assert.True(t, ServerDown.IsTransient())
	assert.True(t, NotFound.IsTransient())
	assert.False(t, Permanent.IsTransient())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "Transient", Transient.String())
	assert.Equal(t, "ServerDown", ServerDown.String())
	assert.Equal(t, "NotFound", NotFound.String())
	assert.Equal(t, "Permanent", Permanent.String())
}
