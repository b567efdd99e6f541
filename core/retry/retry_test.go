// retry_test.go - Tests for retry with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require := require.New(t)
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(t, maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		require := require.New(t)
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(fmt.Errorf("channel: dial: %w", &net.OpError{Op: "dial", Err: timeoutErr{}})))
	require.False(IsTransientError(errors.New("handshake: authentication failure")))
	require.False(IsTransientError(fmt.Errorf("dial: %w", context.Canceled)))
}

func TestDo(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("retries transient errors", func(t *testing.T) {
		require := require.New(t)
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(err)
		require.Equal(3, calls)
	})

	t.Run("stops on permanent errors", func(t *testing.T) {
		require := require.New(t)
		calls := 0
		permanent := errors.New("bad onion key")
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return permanent
		})
		require.ErrorIs(err, permanent)
		require.Equal(1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		require := require.New(t)
		calls := 0
		err := Do(context.Background(), p, func(context.Context) error {
			calls++
			return errors.New("no route to host")
		})
		require.Error(err)
		require.Equal(3, calls)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		require := require.New(t)
		ctx, cancel := context.WithCancel(context.Background())
		slow := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		calls := 0
		err := Do(ctx, slow, func(context.Context) error {
			calls++
			cancel()
			return errors.New("connection refused")
		})
		require.ErrorIs(err, context.Canceled)
		require.Equal(1, calls)
	})
}
