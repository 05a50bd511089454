package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObserveMergesConnections(t *testing.T) {
	clock := int64(100)
	table := NewWithClock(func() int64 { return clock })

	table.Observe("alice", "1.2.3.4", 1, "node-a", "vless")
	clock = 130
	table.Observe("alice", "1.2.3.4", 1, "node-a", "vless")

	users := table.SnapshotAndClear()
	require.Len(t, users, 1)

	u := users["alice"]
	require.NotNil(t, u)
	require.Len(t, u.Devices.Connections, 1)

	c := u.Devices.Connections[0]
	require.Equal(t, 2, c.Count)
	require.Equal(t, int64(100), c.FirstSeen)
	require.Equal(t, int64(130), c.LastSeen)
}

func TestObserveSeparateKeys(t *testing.T) {
	table := NewWithClock(func() int64 { return 0 })

	table.Observe("alice", "1.2.3.4", 1, "node-a", "vless")
	table.Observe("alice", "1.2.3.4", 1, "node-a", "trojan")
	table.Observe("alice", "1.2.3.4", 2, "node-b", "vless")

	u := table.SnapshotAndClear()["alice"]
	require.Len(t, u.Devices.Connections, 3)
	require.Len(t, u.Devices.UniqueIPs, 1)
	require.Len(t, u.Devices.UniqueNodes, 2)
	require.Len(t, u.Devices.InboundProtocols, 2)
}

func TestUniqueIPsFirstSeenOrder(t *testing.T) {
	table := NewWithClock(func() int64 { return 0 })

	table.Observe("alice", "2.2.2.2", 1, "n", "vless")
	table.Observe("alice", "1.1.1.1", 1, "n", "vless")
	table.Observe("alice", "2.2.2.2", 1, "n", "vless")
	table.Observe("alice", "3.3.3.3", 1, "n", "vless")

	u := table.SnapshotAndClear()["alice"]
	require.Equal(t, []string{"2.2.2.2", "1.1.1.1", "3.3.3.3"}, u.UniqueIPs())
}

func TestMultiDeviceFlag(t *testing.T) {
	cases := []struct {
		name    string
		observe func(*Table)
		want    bool
	}{
		{
			"one ip one inbound one node",
			func(tb *Table) { tb.Observe("u", "1.1.1.1", 1, "n", "vless") },
			false,
		},
		{
			"two ips",
			func(tb *Table) {
				tb.Observe("u", "1.1.1.1", 1, "n", "vless")
				tb.Observe("u", "2.2.2.2", 1, "n", "vless")
			},
			false,
		},
		{
			"three ips",
			func(tb *Table) {
				tb.Observe("u", "1.1.1.1", 1, "n", "vless")
				tb.Observe("u", "2.2.2.2", 1, "n", "vless")
				tb.Observe("u", "3.3.3.3", 1, "n", "vless")
			},
			true,
		},
		{
			"two inbounds",
			func(tb *Table) {
				tb.Observe("u", "1.1.1.1", 1, "n", "vless")
				tb.Observe("u", "1.1.1.1", 1, "n", "trojan")
			},
			true,
		},
		{
			"two nodes",
			func(tb *Table) {
				tb.Observe("u", "1.1.1.1", 1, "n1", "vless")
				tb.Observe("u", "1.1.1.1", 2, "n2", "vless")
			},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := NewWithClock(func() int64 { return 0 })
			tc.observe(table)
			u := table.SnapshotAndClear()["u"]
			require.Equal(t, tc.want, u.Devices.MultiDevice)
		})
	}
}

func TestIPToInbounds(t *testing.T) {
	table := NewWithClock(func() int64 { return 0 })

	table.Observe("u", "1.1.1.1", 1, "n", "vless")
	table.Observe("u", "1.1.1.1", 1, "n", "trojan")
	table.Observe("u", "1.1.1.1", 1, "n", "vless")
	table.Observe("u", "2.2.2.2", 1, "n", "vless")

	u := table.SnapshotAndClear()["u"]
	m := u.IPToInbounds()
	require.Equal(t, []string{"vless", "trojan"}, m["1.1.1.1"])
	require.Equal(t, []string{"vless"}, m["2.2.2.2"])
}

func TestSnapshotAndClearResets(t *testing.T) {
	table := New()
	table.Observe("u", "1.1.1.1", 1, "n", "vless")
	require.Equal(t, 1, table.Len())

	first := table.SnapshotAndClear()
	require.Len(t, first, 1)
	require.Equal(t, 0, table.Len())
	require.Empty(t, table.SnapshotAndClear())
}

func TestConcurrentObserve(t *testing.T) {
	table := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.Observe("u", "1.1.1.1", 1, "n", "vless")
			}
		}()
	}
	wg.Wait()

	u := table.SnapshotAndClear()["u"]
	require.Len(t, u.IPs, 800)
	require.Len(t, u.Devices.Connections, 1)
	require.Equal(t, 800, u.Devices.Connections[0].Count)
}
