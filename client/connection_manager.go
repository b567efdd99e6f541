// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
	"math"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/log"
)

// maxInitialCircID bounds the random first circuit identifier handed out
// for a first hop, leaving the upper half of the space to grow into.
const maxInitialCircID = 1 << 31

// ConnectionManager owns circuit identifier allocation, and creates
// circuits.  Identifiers are allocated per entry router: the first one is
// random, every later one is strictly greater than the previous.
type ConnectionManager struct {
	sync.Mutex

	cfg        *config.Config
	dialer     channel.Dialer
	logBackend *log.Backend
	log        *logging.Logger

	lastCircID map[string]uint32
}

// NewConnectionManager returns a ConnectionManager that reaches entry
// routers through dialer.
func NewConnectionManager(cfg *config.Config, dialer channel.Dialer, logBackend *log.Backend) *ConnectionManager {
	return &ConnectionManager{
		cfg:        cfg,
		dialer:     dialer,
		logBackend: logBackend,
		log:        logBackend.GetLogger("client/connmgr"),
		lastCircID: make(map[string]uint32),
	}
}

func (m *ConnectionManager) allocCircID(addr string) (uint32, error) {
	m.Lock()
	defer m.Unlock()

	last, ok := m.lastCircID[addr]
	switch {
	case !ok:
		last = uint32(rand.NewMath().Int63n(maxInitialCircID-1)) + 1
	case last == math.MaxUint32:
		return 0, ErrCircIDExhausted
	default:
		last++
	}
	m.lastCircID[addr] = last
	return last, nil
}

// NewCircuit returns a circuit in the INIT state over path, which lists
// the entry, middle and exit routers in order.
func (m *ConnectionManager) NewCircuit(path []*directory.Node) (*Circuit, error) {
	if len(path) != config.PathLength {
		return nil, fmt.Errorf("client: path has %d hops, need %d", len(path), config.PathLength)
	}
	for i, n := range path {
		if n == nil || n.OnionKey == nil {
			return nil, fmt.Errorf("client: hop %d has no onion key", i+1)
		}
	}

	id, err := m.allocCircID(path[0].LinkSpecifier())
	if err != nil {
		return nil, err
	}
	c := &Circuit{
		m:     m,
		log:   m.logBackend.GetLogger(fmt.Sprintf("client/circuit:%d", id)),
		id:    id,
		path:  append([]*directory.Node{}, path...),
		htype: m.cfg.Proxy.HandshakeType(),
		state: StateInit,
	}
	m.log.Debugf("New circuit %d: %v -> %v -> %v", id, path[0], path[1], path[2])
	return c, nil
}
