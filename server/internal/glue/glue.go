// glue.go - Onion router internal glue.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"context"
	"net"

	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/server/config"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend

	Dispatcher() Dispatcher
	Listeners() []Listener
}

// Dispatcher consumes the cells read from incoming channels.
type Dispatcher interface {
	Halt()
	DispatchRaw(ctx context.Context, raw []byte, src channel.Channel) error
	OnChannelClosed(ch channel.Channel)
}

// Listener accepts incoming channels.
type Listener interface {
	Halt()
	Addr() net.Addr
	NumConns() int
}
