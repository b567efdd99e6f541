// worker_test.go - Tests for managed background goroutines.
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

package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var stopped atomic.Int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			stopped.Add(1)
		})
	}
	w.Halt()
	require.Equal(int32(4), stopped.Load())

	// A second Halt must not panic on the closed channel.
	w.Halt()
}

func TestWorkerContext(t *testing.T) {
	require := require.New(t)

	var w Worker
	ctx, cancel := w.Context(context.Background())
	defer cancel()

	w.Halt()
	<-ctx.Done()
	require.ErrorIs(ctx.Err(), context.Canceled)
}
