// Package tracker is the shared active-user table. Node stream tasks
// append observations; the evaluator drains the table once per cycle.
package tracker

import (
	"sync"
	"time"
)

// Connection is one (ip, node, inbound) tuple a user was seen on, with
// activity bookkeeping in monotonic seconds.
type Connection struct {
	IP        string `json:"ip"`
	NodeID    int    `json:"node_id"`
	NodeName  string `json:"node_name"`
	Inbound   string `json:"inbound"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	Count     int    `json:"connection_count"`
}

// DeviceInfo aggregates the distinct IPs, nodes and inbound protocols a
// user was observed on during the current cycle.
type DeviceInfo struct {
	UniqueIPs        map[string]struct{}
	UniqueNodes      map[string]struct{}
	InboundProtocols map[string]struct{}
	Connections      []*Connection
	MultiDevice      bool
}

// User is the runtime record for one username. IPs keeps every raw
// observation in order; duplicates are expected and collapsed by the
// uniqueness sets.
type User struct {
	Username string
	IPs      []string
	Devices  DeviceInfo
}

// IPToInbounds maps each observed IP to the set of inbounds it appeared
// on, as a sorted-insensitive slice per IP.
func (u *User) IPToInbounds() map[string][]string {
	out := make(map[string][]string)
	for _, c := range u.Devices.Connections {
		found := false
		for _, ib := range out[c.IP] {
			if ib == c.Inbound {
				found = true
				break
			}
		}
		if !found {
			out[c.IP] = append(out[c.IP], c.Inbound)
		}
	}
	return out
}

// UniqueIPs returns the distinct IPs of the cycle in first-seen order.
func (u *User) UniqueIPs() []string {
	seen := make(map[string]struct{}, len(u.IPs))
	var out []string
	for _, ip := range u.IPs {
		if _, ok := seen[ip]; ok {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out
}

// Table is the mutex-guarded username → User map. Every write happens
// under the lock; SnapshotAndClear is a single critical section so one
// evaluator tick is atomic with respect to new observations.
type Table struct {
	mu    sync.Mutex
	users map[string]*User
	now   func() int64
}

func New() *Table {
	return &Table{
		users: make(map[string]*User),
		now:   func() int64 { return int64(time.Since(baseTime) / time.Second) },
	}
}

// baseTime anchors the monotonic-seconds clock.
var baseTime = time.Now()

// NewWithClock builds a table with an injected monotonic clock.
func NewWithClock(now func() int64) *Table {
	return &Table{users: make(map[string]*User), now: now}
}

// Observe appends one parsed log record. Connections are merged on the
// (ip, node, inbound) key by bumping the counter and touching last_seen.
func (t *Table) Observe(username, ip string, nodeID int, nodeName, inbound string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[username]
	if !ok {
		u = &User{
			Username: username,
			Devices: DeviceInfo{
				UniqueIPs:        make(map[string]struct{}),
				UniqueNodes:      make(map[string]struct{}),
				InboundProtocols: make(map[string]struct{}),
			},
		}
		t.users[username] = u
	}

	u.IPs = append(u.IPs, ip)
	u.Devices.UniqueIPs[ip] = struct{}{}
	u.Devices.UniqueNodes[nodeName] = struct{}{}
	u.Devices.InboundProtocols[inbound] = struct{}{}

	now := t.now()
	var conn *Connection
	for _, c := range u.Devices.Connections {
		if c.IP == ip && c.NodeID == nodeID && c.Inbound == inbound {
			conn = c
			break
		}
	}
	if conn == nil {
		u.Devices.Connections = append(u.Devices.Connections, &Connection{
			IP:        ip,
			NodeID:    nodeID,
			NodeName:  nodeName,
			Inbound:   inbound,
			FirstSeen: now,
			LastSeen:  now,
			Count:     1,
		})
	} else {
		conn.LastSeen = now
		conn.Count++
	}

	u.Devices.MultiDevice = len(u.Devices.UniqueIPs) > 2 ||
		len(u.Devices.InboundProtocols) > 1 ||
		len(u.Devices.UniqueNodes) > 1
}

// SnapshotAndClear hands the current cycle to the caller and resets the
// table, all under one lock acquisition.
func (t *Table) SnapshotAndClear() map[string]*User {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := t.users
	t.users = make(map[string]*User)
	return snapshot
}

// Len reports the number of users observed in the current cycle.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}
