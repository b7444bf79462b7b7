package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("other"), KindUnknown},
		{ErrConnectTimeout, KindConnectTimeout},
		{fmt.Errorf("wait: %w", ErrCallTimeout), KindCallTimeout},
		{ErrSessionClosing, KindSessionClosed},
		{fmt.Errorf("%w: %w", ErrSessionClosed, ErrConnectionClosed), KindSessionClosed},
		{fmt.Errorf("%w: %w", ErrSessionClosed, ErrRelayUnavailable), KindRelayUnavailable},
		{ErrUnknownAddress, KindUnknownAddress},
		{fmt.Errorf("%w: bad magic", ErrProtocolDecode), KindProtocolDecode},
		{ErrAddressResolutionFailed, KindAddressResolutionFailed},
		{&RemoteError{Message: "boom"}, KindRemote},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindOf(tt.err), "%v", tt.err)
	}
}

func TestTimeoutAndClosedAreDistinct(t *testing.T) {
	timeout := fmt.Errorf("call: %w", ErrCallTimeout)
	closed := fmt.Errorf("call: %w", ErrSessionClosed)

	assert.True(t, IsTimeout(timeout))
	assert.False(t, IsClosed(timeout))
	assert.True(t, IsClosed(closed))
	assert.False(t, IsTimeout(closed))
	assert.True(t, IsTimeout(ErrConnectTimeout))
	assert.True(t, IsClosed(ErrRelayUnavailable))
}

func TestRemoteErrorMessage(t *testing.T) {
	err := &RemoteError{Method: "move", Message: "stalled"}
	assert.Equal(t, "rpc: remote error from move: stalled", err.Error())
	assert.Equal(t, "remote", KindRemote.String())
}
