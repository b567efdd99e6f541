// incoming_conn.go - Onion router incoming connection.
// Copyright (C) 2017  Yawning Angel.
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

package incoming

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
)

// maxMalformedCells is the number of undecodable cells tolerated on a
// connection before it is closed.
const maxMalformedCells = 8

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	ch channel.Channel
	e  *list.Element

	id        uint64
	malformed int
}

// Close closes the connection, unblocking the worker.
func (c *incomingConn) Close() {
	c.ch.Close()
}

func (c *incomingConn) worker() {
	dispatcher := c.l.glue.Dispatcher()
	defer func() {
		c.log.Debugf("Closing.")
		c.ch.Close()
		dispatcher.OnChannelClosed(c.ch)
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	ctx, cancel := c.l.Context(context.Background())
	defer cancel()

	for {
		raw, err := c.ch.Receive(ctx)
		if err != nil {
			select {
			case <-c.l.closeAllCh:
			default:
				c.log.Debugf("Receive failed: %v", err)
			}
			return
		}

		err = dispatcher.DispatchRaw(ctx, raw, c.ch)
		switch {
		case err == nil:
			continue
		case errors.Is(err, cell.ErrMalformedCell) || errors.Is(err, cell.ErrUnknownCommand):
			c.malformed++
			if c.malformed >= maxMalformedCells {
				c.log.Errorf("Too many malformed cells, closing: %v", err)
				return
			}
		}
		c.log.Debugf("Rejected cell: %v", err)
	}
}

func newIncomingConn(l *listener, ch channel.Channel) *incomingConn {
	c := &incomingConn{
		l:  l,
		ch: ch,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", ch.RemoteAddr())

	// Note: Unlike most other things, this does not spawn the worker here,
	// because the worker needs to be spawned after the struct is added to
	// the connection list.

	return c
}
