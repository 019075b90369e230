package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "net failure" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

var _ net.Error = fakeNetErr{}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"cancelled", context.Canceled, KindTimeout},
		{"net timeout", fakeNetErr{timeout: true}, KindTimeout},
		{"net refused", fakeNetErr{}, KindConnection},
		{"other", errors.New("boom"), KindInternal},
		{"already typed", NewError(KindRateLimited, "x", "slow down"), KindRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify("v1", tc.err)
			assert.Equal(t, tc.want, got.Kind)
			assert.NotEmpty(t, got.Venue)
		})
	}
	assert.Nil(t, Classify("v1", nil))
}

func TestError_Policy(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTimeout}).Retryable())
	assert.False(t, (&Error{Kind: KindAuthentication}).Retryable())

	assert.True(t, (&Error{Kind: KindTimeout}).CountsAgainstHealth())
	assert.True(t, (&Error{Kind: KindProtocol}).CountsAgainstHealth())
	assert.False(t, (&Error{Kind: KindQuoteUnavailable}).CountsAgainstHealth())
	assert.False(t, (&Error{Kind: KindInsufficientLiquidity}).CountsAgainstHealth())
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindConnection, Venue: "dex", Message: "dial", Err: errors.New("refused")}
	assert.Equal(t, "venue dex: connection: dial: refused", err.Error())
	assert.Equal(t, "refused", errors.Unwrap(err).Error())
}
