// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory loads the set of onion routers known to the onion
// proxy, and selects circuit paths from it.
package directory

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// DefaultKEMScheme is the onion key KEM used when none is configured.
const DefaultKEMScheme = "X25519"

var (
	// ErrUnknownNode is returned when looking up an identifier that is not
	// in the directory.
	ErrUnknownNode = errors.New("directory: unknown node")

	// ErrNotEnoughNodes is returned when a path longer than the number of
	// distinct nodes is requested.
	ErrNotEnoughNodes = errors.New("directory: not enough nodes")
)

// Node is an onion router as seen by the onion proxy.
type Node struct {
	Identifier string
	Host       string
	Port       uint16
	OnionKey   kem.PublicKey
}

// LinkSpecifier returns the "host:port" address of the node.
func (n *Node) LinkSpecifier() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Identifier, n.LinkSpecifier())
}

// NodeEntry is the on-disk form of a Node.
type NodeEntry struct {
	Identifier string
	Address    string

	// OnionKey is the PEM encoded onion public key.  OnionKeyFile may be
	// used instead, relative to the directory file.
	OnionKey     string `toml:",omitempty"`
	OnionKeyFile string `toml:",omitempty"`
}

type file struct {
	KEMScheme string
	Node      []*NodeEntry
}

// Directory is an immutable set of nodes.
type Directory struct {
	scheme kem.Scheme
	nodes  []*Node
	byID   map[string]*Node
}

// Load parses and validates a TOML directory.  baseDir is used to resolve
// relative OnionKeyFile paths.
func Load(b []byte, baseDir string) (*Directory, error) {
	f := new(file)
	md, err := toml.Decode(string(b), f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("directory: undecoded keys in directory file: %v", undecoded)
	}
	if f.KEMScheme == "" {
		f.KEMScheme = DefaultKEMScheme
	}
	scheme := schemes.ByName(f.KEMScheme)
	if scheme == nil {
		return nil, fmt.Errorf("directory: KEM scheme '%v' is not supported", f.KEMScheme)
	}

	d := &Directory{
		scheme: scheme,
		byID:   make(map[string]*Node),
	}
	for i, e := range f.Node {
		n, err := e.toNode(scheme, baseDir)
		if err != nil {
			return nil, fmt.Errorf("directory: Node[%d]: %v", i, err)
		}
		if _, ok := d.byID[n.Identifier]; ok {
			return nil, fmt.Errorf("directory: Node[%d]: duplicate identifier '%v'", i, n.Identifier)
		}
		d.byID[n.Identifier] = n
		d.nodes = append(d.nodes, n)
	}
	if len(d.nodes) == 0 {
		return nil, errors.New("directory: no nodes")
	}
	return d, nil
}

// LoadFile loads, parses and validates the directory file f.
func LoadFile(f string) (*Directory, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, filepath.Dir(f))
}

// Scheme returns the onion key KEM scheme of the directory.
func (d *Directory) Scheme() kem.Scheme {
	return d.scheme
}

// Nodes returns every node, in file order.
func (d *Directory) Nodes() []*Node {
	return append([]*Node{}, d.nodes...)
}

// Node returns the node with the given identifier.
func (d *Directory) Node(id string) (*Node, error) {
	norm, err := NormalizeIdentifier(id)
	if err != nil {
		return nil, err
	}
	n, ok := d.byID[norm]
	if !ok {
		return nil, fmt.Errorf("%w: '%v'", ErrUnknownNode, id)
	}
	return n, nil
}

// Path returns the nodes named by ids, in order.  A node may not appear
// twice in a path.
func (d *Directory) Path(ids ...string) ([]*Node, error) {
	seen := make(map[*Node]bool)
	path := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := d.Node(id)
		if err != nil {
			return nil, err
		}
		if seen[n] {
			return nil, fmt.Errorf("directory: node '%v' appears twice in path", n.Identifier)
		}
		seen[n] = true
		path = append(path, n)
	}
	return path, nil
}

// RandomPath returns hops distinct nodes picked uniformly at random.
func (d *Directory) RandomPath(hops int) ([]*Node, error) {
	if hops > len(d.nodes) {
		return nil, fmt.Errorf("%w: %d hops, %d nodes", ErrNotEnoughNodes, hops, len(d.nodes))
	}
	perm := rand.NewMath().Perm(len(d.nodes))
	path := make([]*Node, hops)
	for i := range path {
		path[i] = d.nodes[perm[i]]
	}
	return path, nil
}

func (e *NodeEntry) toNode(scheme kem.Scheme, baseDir string) (*Node, error) {
	id, err := NormalizeIdentifier(e.Identifier)
	if err != nil {
		return nil, err
	}
	host, port, err := splitAddress(e.Address)
	if err != nil {
		return nil, err
	}

	var pub kem.PublicKey
	switch {
	case e.OnionKey != "" && e.OnionKeyFile != "":
		return nil, errors.New("OnionKey and OnionKeyFile are mutually exclusive")
	case e.OnionKey != "":
		pub, err = kempem.FromPublicPEMString(e.OnionKey, scheme)
	case e.OnionKeyFile != "":
		f := e.OnionKeyFile
		if !filepath.IsAbs(f) {
			f = filepath.Join(baseDir, f)
		}
		pub, err = kempem.FromPublicPEMFile(f, scheme)
	default:
		return nil, errors.New("OnionKey is not set")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid onion key: %v", err)
	}

	return &Node{
		Identifier: id,
		Host:       host,
		Port:       port,
		OnionKey:   pub,
	}, nil
}

// NewNodeEntry returns the directory entry describing a router.
func NewNodeEntry(identifier, address string, onionKey kem.PublicKey) *NodeEntry {
	return &NodeEntry{
		Identifier: identifier,
		Address:    address,
		OnionKey:   kempem.ToPublicPEMString(onionKey),
	}
}

// Marshal encodes the entry as a TOML [[Node]] table.
func (e *NodeEntry) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(struct{ Node []*NodeEntry }{[]*NodeEntry{e}}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NormalizeIdentifier returns the canonical form of a node identifier.
func NormalizeIdentifier(id string) (string, error) {
	if id == "" {
		return "", errors.New("directory: Identifier is not set")
	}
	norm, err := precis.UsernameCaseMapped.String(id)
	if err != nil {
		return "", fmt.Errorf("directory: invalid Identifier '%v': %v", id, err)
	}
	return norm, nil
}

// NormalizeHost returns the ASCII form of a host name, leaving IP
// addresses untouched.
func NormalizeHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host '%v': %v", host, err)
	}
	return ascii, nil
}

func splitAddress(addr string) (string, uint16, error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Address '%v': %v", addr, err)
	}
	host, err := NormalizeHost(h)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid Address '%v': bad port", addr)
	}
	return host, uint16(port), nil
}
