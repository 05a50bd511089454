// Package stream maintains one SSE log stream per connected panel node
// and feeds every received line to the log parser.
package stream

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/r3labs/diff/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Mtoly/XrayIPGuard/common/logparser"
	"github.com/Mtoly/XrayIPGuard/panel"
)

// Panel is the slice of the panel client the manager needs.
type Panel interface {
	ListNodes(ctx context.Context, force bool) ([]panel.Node, error)
	StreamNodeLogs(ctx context.Context, nodeID int) (*resty.Response, error)
}

type task struct {
	node   panel.Node
	cancel context.CancelFunc
	done   chan struct{}
}

type Manager struct {
	panel  Panel
	parser *logparser.Parser
	logger *log.Entry

	// spawn paces stream task starts so a restart never hammers the
	// panel with simultaneous connections.
	spawn *rate.Limiter

	mu        sync.Mutex
	tasks     map[int]*task
	lastNodes []panel.Node

	discoverInterval time.Duration
	cancelInterval   time.Duration
	refreshInterval  time.Duration
	reconnectDelay   time.Duration
}

type Option func(*Manager)

// WithIntervals overrides the control-loop periods. Only used by tests.
func WithIntervals(discover, cancel, refresh, reconnect time.Duration) Option {
	return func(m *Manager) {
		m.discoverInterval = discover
		m.cancelInterval = cancel
		m.refreshInterval = refresh
		m.reconnectDelay = reconnect
	}
}

func New(p Panel, parser *logparser.Parser, opts ...Option) *Manager {
	m := &Manager{
		panel:            p,
		parser:           parser,
		logger:           log.WithField("component", "stream"),
		spawn:            rate.NewLimiter(rate.Every(time.Second), 1),
		tasks:            make(map[int]*task),
		discoverInterval: 2 * time.Minute,
		cancelInterval:   time.Minute,
		refreshInterval:  2 * time.Hour,
		reconnectDelay:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts streams for every connected node and keeps the stream set in
// sync with the panel until ctx is cancelled: discovery every two
// minutes, stale-task cancellation every minute, and a full teardown and
// rebuild every two hours to bound connection and token age.
func (m *Manager) Run(ctx context.Context) {
	m.syncStreams(ctx, false)

	discover := time.NewTicker(m.discoverInterval)
	cancelStale := time.NewTicker(m.cancelInterval)
	refresh := time.NewTicker(m.refreshInterval)
	defer discover.Stop()
	defer cancelStale.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.logger.Info("stream manager stopped")
			return
		case <-discover.C:
			m.syncStreams(ctx, false)
		case <-cancelStale.C:
			m.cancelDisconnected(ctx)
		case <-refresh.C:
			m.logger.Info("refreshing all node streams")
			m.stopAll()
			m.syncStreams(ctx, true)
		}
	}
}

// ActiveStreams reports the node IDs with a live stream task.
func (m *Manager) ActiveStreams() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// syncStreams spawns a task for every connected node that has none.
func (m *Manager) syncStreams(ctx context.Context, force bool) {
	nodes, err := m.panel.ListNodes(ctx, force)
	if err != nil {
		m.logger.WithError(err).Error("list nodes failed")
		return
	}
	m.logNodeChanges(nodes)

	for _, node := range nodes {
		if node.NodeAddress != "" {
			m.parser.MarkInvalidIP(node.NodeAddress)
		}
		if node.Status != panel.NodeStatusConnected {
			continue
		}

		m.mu.Lock()
		_, running := m.tasks[node.NodeID]
		m.mu.Unlock()
		if running {
			continue
		}

		if err := m.spawn.Wait(ctx); err != nil {
			return
		}
		m.startStream(ctx, node)
	}
}

// cancelDisconnected stops tasks whose node is no longer connected.
func (m *Manager) cancelDisconnected(ctx context.Context) {
	nodes, err := m.panel.ListNodes(ctx, false)
	if err != nil {
		m.logger.WithError(err).Error("list nodes failed")
		return
	}

	connected := make(map[int]struct{})
	for _, node := range nodes {
		if node.Status == panel.NodeStatusConnected {
			connected[node.NodeID] = struct{}{}
		}
	}

	m.mu.Lock()
	var stale []*task
	for id, t := range m.tasks {
		if _, ok := connected[id]; !ok {
			stale = append(stale, t)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		m.logger.WithFields(log.Fields{
			"node": t.node.NodeID,
			"name": t.node.NodeName,
		}).Info("node disconnected, cancelling stream")
		t.cancel()
		<-t.done
	}
}

// stopAll cancels every task and waits until each observed cancellation.
func (m *Manager) stopAll() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for id, t := range m.tasks {
		tasks = append(tasks, t)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (m *Manager) startStream(ctx context.Context, node panel.Node) {
	streamCtx, cancel := context.WithCancel(ctx)
	t := &task{node: node, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[node.NodeID] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		m.runStream(streamCtx, node)
	}()
}

// runStream is one node's connect-consume-reconnect loop. Every failure
// is transient: sleep and dial again until cancelled.
func (m *Manager) runStream(ctx context.Context, node panel.Node) {
	entry := m.logger.WithFields(log.Fields{
		"node": node.NodeID,
		"name": node.NodeName,
	})
	entry.Info("stream task started")

	for {
		if ctx.Err() != nil {
			entry.Info("stream task stopped")
			return
		}

		resp, err := m.panel.StreamNodeLogs(ctx, node.NodeID)
		if err != nil {
			entry.WithError(err).Warn("stream connect failed")
			select {
			case <-ctx.Done():
				entry.Info("stream task stopped")
				return
			case <-time.After(m.reconnectDelay):
			}
			continue
		}

		m.consume(ctx, resp, node, entry)
	}
}

// consume reads SSE lines until the stream breaks or ctx is cancelled.
func (m *Manager) consume(ctx context.Context, resp *resty.Response, node panel.Node, entry *log.Entry) {
	body := resp.RawBody()
	// Closing the body from a watcher goroutine is what unblocks the
	// scanner read when the task is cancelled.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watcherDone:
		}
	}()
	defer func() {
		close(watcherDone)
		body.Close()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		m.parser.ParseLine(ctx, payload, node.NodeID, node.NodeName)
	}

	if ctx.Err() == nil {
		entry.WithError(scanner.Err()).Warn("stream ended, reconnecting")
		select {
		case <-ctx.Done():
		case <-time.After(m.reconnectDelay):
		}
	}
}

// logNodeChanges reports what changed in the node set since the last
// sync, so operators can follow nodes appearing and disappearing.
func (m *Manager) logNodeChanges(nodes []panel.Node) {
	m.mu.Lock()
	previous := m.lastNodes
	m.lastNodes = nodes
	m.mu.Unlock()

	if previous == nil {
		m.logger.WithField("nodes", len(nodes)).Info("node list loaded")
		return
	}
	changes, err := diff.Diff(previous, nodes)
	if err != nil || len(changes) == 0 {
		return
	}
	m.logger.WithFields(log.Fields{
		"nodes":   len(nodes),
		"changes": len(changes),
	}).Info("node list changed")
}
