package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		message   string
		want      Kind
		retryable bool
		keepHint  bool
	}{
		{name: "unauthorized", status: 401, message: "Invalid Credentials", want: KindAuthenticationFailed},
		{name: "quota", status: 403, message: "Daily Limit Exceeded: quota reached", want: KindQuotaExceeded},
		{name: "quota mixed case", status: 403, message: "QUOTA exhausted", want: KindQuotaExceeded},
		{
			name:    "permission",
			status:  403,
			message: "User does not have sufficient permission for site",
			want:    KindPermissionDenied,
		},
		{name: "forbidden other", status: 403, message: "forbidden", want: KindInvalidRequest},
		{name: "bad request", status: 400, message: "bad dimension", want: KindInvalidRequest},
		{name: "rate limited", status: 429, want: KindRateLimitExceeded, keepHint: true},
		{name: "internal", status: 500, want: KindTransientServerError, retryable: true, keepHint: true},
		{name: "bad gateway", status: 502, want: KindTransientServerError, retryable: true, keepHint: true},
		{name: "unavailable", status: 503, want: KindTransientServerError, retryable: true, keepHint: true},
		{name: "gateway timeout", status: 504, want: KindUnknown},
		{name: "not found", status: 404, want: KindUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.status, tt.message, 7*time.Second)
			require.Equal(t, tt.want, got.Kind)
			require.Equal(t, tt.status, got.HTTPStatus)
			require.Equal(t, tt.retryable, got.Retryable())
			if tt.keepHint {
				require.Equal(t, 7*time.Second, got.RetryAfter)
			} else {
				require.Zero(t, got.RetryAfter)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestFromTransport(t *testing.T) {
	t.Parallel()

	require.NoError(t, FromTransport(nil))

	canceled := fmt.Errorf("do request: %w", context.Canceled)
	require.Same(t, canceled, FromTransport(canceled))

	deadline := FromTransport(context.DeadlineExceeded)
	require.Equal(t, KindNetworkOrTimeout, KindOf(deadline))

	timeout := FromTransport(&net.OpError{Op: "dial", Err: timeoutErr{}})
	classified, ok := As(timeout)
	require.True(t, ok)
	require.Equal(t, KindNetworkOrTimeout, classified.Kind)
	require.True(t, classified.Retryable())
	require.Equal(t, "timeout", classified.Message)

	plain := FromTransport(errors.New("connection reset"))
	require.Equal(t, KindNetworkOrTimeout, KindOf(plain))

	already := Classify(401, "nope", 0)
	require.Same(t, already, FromTransport(already))
}

func TestKindOfAndIsRateLimited(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("page 2: %w", Classify(429, "slow down", time.Second))
	require.True(t, IsRateLimited(wrapped))
	require.Equal(t, KindRateLimitExceeded, KindOf(wrapped))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.False(t, IsRateLimited(errors.New("plain")))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	require.Zero(t, ParseRetryAfter("", now))
	require.Zero(t, ParseRetryAfter("-4", now))
	require.Zero(t, ParseRetryAfter("soon", now))
	httpDate := now.Add(90 * time.Second).Format(http1123)
	require.Equal(t, 90*time.Second, ParseRetryAfter(httpDate, now))
	past := now.Add(-time.Minute).Format(http1123)
	require.Zero(t, ParseRetryAfter(past, now))
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := Classify(503, "backend unavailable", 0)
	require.Equal(t, "transient_server_error (http 503): backend unavailable", err.Error())

	inv := Invalid(errors.New("start after end"))
	require.Equal(t, KindInvalidRequest, inv.Kind)
	require.Equal(t, "invalid_request: start after end", inv.Error())
}
