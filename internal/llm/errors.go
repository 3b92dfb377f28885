package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"

	"github.com/synthia-ai/synthia/internal/httpkit"
)

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Body)
}

// IsTransient reports whether err is worth one retry: timeouts, network
// failures, rate limiting and server-side errors. Authentication,
// validation and decoding failures are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return transientStatus(se.Code)
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return transientStatus(oe.StatusCode)
	}

	// *url.Error satisfies net.Error even for permanent failures such as
	// a bad certificate, so only timeouts and socket-level errors count.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ope *net.OpError
	if errors.As(err, &ope) {
		return true
	}
	return httpkit.IsDialError(err)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
