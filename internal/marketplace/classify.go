package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

const maxReasonLen = 512

// Classify maps a transport error or HTTP status onto the outcome taxonomy.
// Rate limits, timeouts and server errors are transient; authentication and
// validation rejections are permanent.
func Classify(status int, err error, body []byte) Outcome {
	if err != nil {
		return classifyErr(err)
	}
	msg := truncate(string(body))
	switch {
	case status >= 200 && status < 300:
		return Success(nil)
	case status == http.StatusTooManyRequests:
		return Transient("rate_limited", msg)
	case status == http.StatusRequestTimeout:
		return Transient("timeout", msg)
	case status >= 500:
		return Transient(fmt.Sprintf("http_%d", status), msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Permanent("auth_rejected", msg)
	case status == http.StatusNotFound:
		return Permanent("not_found", msg)
	case status >= 400:
		return Permanent(fmt.Sprintf("http_%d", status), msg)
	default:
		return Permanent("unexpected_status", fmt.Sprintf("unexpected status %d", status))
	}
}

func classifyErr(err error) Outcome {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return Transient("token_unavailable", truncate(re.Error()))
		}
		return Permanent("auth_rejected", truncate(re.Error()))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient("timeout", err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return Transient("canceled", err.Error())
	}
	return Transient("network", truncate(err.Error()))
}

func truncate(s string) string {
	if len(s) > maxReasonLen {
		return s[:maxReasonLen]
	}
	return s
}
