package transport

import (
	"fmt"
	"strings"
	"sync"

	"raftkv/internal/raft"

	"google.golang.org/grpc/resolver"
)

// Scheme is the gRPC resolver scheme of peer targets: "raft:///<ServerID>"
const Scheme = "raft"

// Target returns the gRPC dial target of the server with the given id
func Target(id raft.ServerID) string {
	return fmt.Sprintf("%s:///%s", Scheme, id)
}

// peerTable maps the peers of one transport to their addresses. It is the resolver.Builder of that transport's
// channels and is handed to them with grpc.WithResolvers, so that nodes sharing a process never see each other's
// tables. Updating an address re-resolves every channel to that peer.
type peerTable struct {
	mu       sync.RWMutex
	addrs    map[raft.ServerID]raft.ServerAddress
	watchers map[raft.ServerID]map[*peerWatch]struct{}
}

func newPeerTable() *peerTable {
	return &peerTable{
		addrs:    make(map[raft.ServerID]raft.ServerAddress),
		watchers: make(map[raft.ServerID]map[*peerWatch]struct{}),
	}
}

// set records addr as the address of id and pushes it to the channels resolving id
func (p *peerTable) set(id raft.ServerID, addr raft.ServerAddress) {
	p.mu.Lock()
	p.addrs[id] = addr
	watching := make([]*peerWatch, 0, len(p.watchers[id]))
	for w := range p.watchers[id] {
		watching = append(watching, w)
	}
	p.mu.Unlock()

	// Outside the lock, UpdateState may call back into ResolveNow
	for _, w := range watching {
		w.push()
	}
}

func (p *peerTable) lookup(id raft.ServerID) (raft.ServerAddress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr, ok := p.addrs[id]
	return addr, ok && addr != ""
}

func (p *peerTable) Scheme() string { return Scheme }

// Build accepts "raft:///<id>" as well as "raft://<authority>/<id>"
func (p *peerTable) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := raft.ServerID(strings.TrimPrefix(target.Endpoint(), "/"))
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %s", target.URL.String())
	}

	w := &peerWatch{id: id, cc: cc, table: p}
	p.mu.Lock()
	if p.watchers[id] == nil {
		p.watchers[id] = make(map[*peerWatch]struct{})
	}
	p.watchers[id][w] = struct{}{}
	p.mu.Unlock()

	w.push()
	return w, nil
}

// peerWatch is the resolver of one channel
type peerWatch struct {
	id    raft.ServerID
	cc    resolver.ClientConn
	table *peerTable
}

func (w *peerWatch) ResolveNow(resolver.ResolveNowOptions) { w.push() }

func (w *peerWatch) Close() {
	w.table.mu.Lock()
	defer w.table.mu.Unlock()
	if set, ok := w.table.watchers[w.id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(w.table.watchers, w.id)
		}
	}
}

// push hands the current address of the peer to gRPC. Without one, the channel stays idle until set is called.
func (w *peerWatch) push() {
	addr, ok := w.table.lookup(w.id)
	if !ok {
		_ = w.cc.UpdateState(resolver.State{})
		return
	}
	_ = w.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: string(addr)}}})
}
