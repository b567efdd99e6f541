// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/server/config"
	"github.com/katzenpost/onion/server/internal/glue"
)

type recordingDispatcher struct {
	sync.Mutex

	cells  [][]byte
	closed int
}

func (d *recordingDispatcher) Halt() {}

func (d *recordingDispatcher) DispatchRaw(ctx context.Context, raw []byte, src channel.Channel) error {
	d.Lock()
	defer d.Unlock()
	if _, err := cell.Deserialize(raw); err != nil {
		return err
	}
	d.cells = append(d.cells, raw)
	return nil
}

func (d *recordingDispatcher) OnChannelClosed(ch channel.Channel) {
	d.Lock()
	defer d.Unlock()
	d.closed++
}

func (d *recordingDispatcher) counts() (int, int) {
	d.Lock()
	defer d.Unlock()
	return len(d.cells), d.closed
}

type testGlue struct {
	logBackend *log.Backend
	dispatcher *recordingDispatcher
}

func (g *testGlue) Config() *config.Config      { return nil }
func (g *testGlue) LogBackend() *log.Backend    { return g.logBackend }
func (g *testGlue) Dispatcher() glue.Dispatcher { return g.dispatcher }
func (g *testGlue) Listeners() []glue.Listener  { return nil }

func TestListener(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	g := &testGlue{
		logBackend: logBackend,
		dispatcher: new(recordingDispatcher),
	}

	_, err = New(g, 0, "udp://127.0.0.1:0")
	require.Error(err)

	l, err := New(g, 0, "tcp://127.0.0.1:0")
	require.NoError(err)

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(err)

	dialer, err := channel.NewDialer(channel.TransportTCP)
	require.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := dialer.Dial(ctx, host, uint16(port))
	require.NoError(err)

	raw, err := cell.Serialize(cell.BuildDestroyCell(1, cell.DestroyRequested))
	require.NoError(err)
	require.NoError(ch.Send(ctx, raw))
	require.NoError(ch.Send(ctx, []byte("garbage")))
	require.NoError(ch.Send(ctx, raw))

	require.Eventually(func() bool {
		n, _ := g.dispatcher.counts()
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(1, l.NumConns())

	ch.Close()
	require.Eventually(func() bool {
		_, closed := g.dispatcher.counts()
		return closed == 1 && l.NumConns() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Halting closes the remaining connections.
	ch, err = dialer.Dial(ctx, host, uint16(port))
	require.NoError(err)
	defer ch.Close()
	require.Eventually(func() bool { return l.NumConns() == 1 }, 5*time.Second, 10*time.Millisecond)
	l.Halt()
	require.Equal(0, l.NumConns())
	_, err = ch.Receive(ctx)
	require.Error(err)
}
