package network

import (
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"shadowledger/database"
)

// PeerInfo is what the peer store keeps per address.
type PeerInfo struct {
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
	Failures int    `json:"failures"`
}

// PeerSet is the set of known peer endpoints. Entries are dropped after
// maxFailures consecutive failed probes. When db is set every change is
// mirrored into the peerstore bucket.
type PeerSet struct {
	mu          sync.Mutex
	self        string
	maxFailures int
	peers       map[string]*PeerInfo
	db          *database.BoltDB
	log         *zap.Logger
}

func NewPeerSet(self string, maxFailures int, db *database.BoltDB, log *zap.Logger) *PeerSet {
	if log == nil {
		log = zap.NewNop()
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &PeerSet{
		self:        self,
		maxFailures: maxFailures,
		peers:       make(map[string]*PeerInfo),
		db:          db,
		log:         log,
	}
}

// SetSelf records the local listen address once it is known.
func (ps *PeerSet) SetSelf(addr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.self = addr
	if _, ok := ps.peers[addr]; ok {
		delete(ps.peers, addr)
		ps.forget(addr)
	}
}

// Load restores persisted peers.
func (ps *PeerSet) Load() error {
	if ps.db == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.db.Iterate(database.BucketPeerstore, func(k, v []byte) error {
		var info PeerInfo
		if err := json.Unmarshal(v, &info); err != nil || info.Addr == "" {
			info = PeerInfo{Addr: string(k)}
		}
		if info.Addr != ps.self {
			ps.peers[info.Addr] = &info
		}
		return nil
	})
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// Add inserts addr and reports whether it was new. The local address and
// unparsable addresses are ignored.
func (ps *PeerSet) Add(addr string) bool {
	if !validAddr(addr) {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if addr == ps.self {
		return false
	}
	if _, ok := ps.peers[addr]; ok {
		return false
	}
	info := &PeerInfo{Addr: addr, LastSeen: time.Now().Unix()}
	ps.peers[addr] = info
	ps.save(info)
	ps.log.Info("peer added", zap.String("peer", addr))
	return true
}

// AddMany unions addrs into the set and returns how many were new.
func (ps *PeerSet) AddMany(addrs []string) int {
	n := 0
	for _, a := range addrs {
		if ps.Add(a) {
			n++
		}
	}
	return n
}

func (ps *PeerSet) Remove(addr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, addr)
	ps.forget(addr)
}

func (ps *PeerSet) Has(addr string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.peers[addr]
	return ok
}

// List returns the known addresses sorted.
func (ps *PeerSet) List() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]string, 0, len(ps.peers))
	for a := range ps.peers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (ps *PeerSet) Infos() []PeerInfo {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (ps *PeerSet) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.peers)
}

// MarkAlive resets the failure count of addr.
func (ps *PeerSet) MarkAlive(addr string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.peers[addr]
	if !ok {
		return
	}
	p.Failures = 0
	p.LastSeen = time.Now().Unix()
	ps.save(p)
}

// MarkFailed counts one failed probe and reports whether addr was removed.
func (ps *PeerSet) MarkFailed(addr string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.peers[addr]
	if !ok {
		return false
	}
	p.Failures++
	if p.Failures >= ps.maxFailures {
		delete(ps.peers, addr)
		ps.forget(addr)
		ps.log.Info("peer removed", zap.String("peer", addr), zap.Int("failures", p.Failures))
		return true
	}
	ps.save(p)
	return false
}

func (ps *PeerSet) save(p *PeerInfo) {
	if ps.db == nil {
		return
	}
	data, _ := json.Marshal(p)
	if err := ps.db.Put(database.BucketPeerstore, p.Addr, data); err != nil {
		ps.log.Warn("peerstore write failed", zap.String("peer", p.Addr), zap.Error(err))
	}
}

func (ps *PeerSet) forget(addr string) {
	if ps.db == nil {
		return
	}
	if err := ps.db.Delete(database.BucketPeerstore, addr); err != nil {
		ps.log.Warn("peerstore delete failed", zap.String("peer", addr), zap.Error(err))
	}
}
