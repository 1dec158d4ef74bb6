package server

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/queryvault/queryvault/internal/metrics"
	"github.com/queryvault/queryvault/internal/model"
)

// Subscription is a single WebSocket handler's view onto the live channel,
// scoped to one workspace. Only envelopes matching WorkspaceID are ever
// queued onto it.
type Subscription struct {
	ch     chan model.Envelope
	lagged atomic.Int64
}

// Recv blocks until an envelope is available or the channel is closed
// (broker shutdown). lag reports how many envelopes were dropped for this
// subscriber since its last successful Recv, per the lossy-broadcast
// contract: subscribers that fall behind are told, not disconnected.
func (s *Subscription) Recv() (env model.Envelope, lag int64, ok bool) {
	env, ok = <-s.ch
	lag = s.lagged.Swap(0)
	return env, lag, ok
}

// LiveChannel is the process-wide lossy broadcast of (workspace_id, event)
// fanned out to per-workspace WebSocket subscribers. A full subscriber
// buffer drops its oldest queued envelope to make room for the newest one,
// rather than blocking the broadcast worker or disconnecting the
// subscriber; the subscriber learns of the drop on its next Recv.
type LiveChannel struct {
	logger *slog.Logger
	cap    int

	mu   sync.RWMutex
	subs map[*Subscription]uuid.UUID
}

// NewLiveChannel creates a LiveChannel whose per-subscriber buffer holds up
// to capacity envelopes before it starts dropping the oldest.
func NewLiveChannel(capacity int, logger *slog.Logger) *LiveChannel {
	return &LiveChannel{
		logger: logger,
		cap:    capacity,
		subs:   make(map[*Subscription]uuid.UUID),
	}
}

// Subscribe registers a new subscriber scoped to workspaceID and returns its
// handle. Callers must call Unsubscribe when the connection closes.
func (l *LiveChannel) Subscribe(workspaceID uuid.UUID) *Subscription {
	sub := &Subscription{ch: make(chan model.Envelope, l.cap)}
	l.mu.Lock()
	l.subs[sub] = workspaceID
	l.mu.Unlock()
	metrics.WSConnections.Inc()
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (l *LiveChannel) Unsubscribe(sub *Subscription) {
	l.mu.Lock()
	if _, ok := l.subs[sub]; ok {
		delete(l.subs, sub)
		close(sub.ch)
		metrics.WSConnections.Dec()
	}
	l.mu.Unlock()
}

// Publish fans an envelope out to every subscriber whose workspace matches.
// Called by the broadcast worker for ingested metrics and by the anomaly
// detector for detected anomalies.
func (l *LiveChannel) Publish(workspaceID uuid.UUID, env model.Envelope) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for sub, subWorkspace := range l.subs {
		if subWorkspace != workspaceID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Buffer full: drop the oldest queued envelope and retry once,
			// so the subscriber always receives the newest state rather
			// than stalling the broadcaster.
			select {
			case <-sub.ch:
				sub.lagged.Add(1)
			default:
			}
			select {
			case sub.ch <- env:
			default:
				l.logger.Warn("live channel: subscriber still full after eviction, dropping", "workspace_id", workspaceID)
			}
		}
	}
}

// Close shuts down every active subscriber, used during graceful shutdown.
func (l *LiveChannel) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		close(sub.ch)
	}
	l.subs = make(map[*Subscription]uuid.UUID)
}
