package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// pollInterval is how often PollingListener checks each subscribed channel
// for new events.
const pollInterval = 500 * time.Millisecond

// pollBackoff is how long PollingListener waits after a query error before
// retrying, to avoid hammering the database during an outage.
const pollBackoff = 5 * time.Second

// pollBatchSize caps how many rows a single poll tick fetches per channel.
const pollBatchSize = 200

// PollingListener is the Listener implementation used when no LISTEN/NOTIFY
// capability is configured (a non-Postgres store, or explicitly selected via
// config for simpler deployments). It exposes the identical
// Subscribe/Unsubscribe/Start/Stop surface as NotifyListener but drives
// delivery with a single ticker-based poll loop instead of a dedicated
// LISTEN connection.
type PollingListener struct {
	querier eventQuerier
	manager *ConnectionManager

	// channels tracks, per subscribed channel, the highest event ID already
	// delivered so the next poll only fetches what's new.
	channels   map[string]int
	channelsMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewPollingListener creates a PollingListener backed by querier (typically
// *services.EventService) for catch-up reads.
func NewPollingListener(querier eventQuerier, manager *ConnectionManager) *PollingListener {
	return &PollingListener{
		querier:  querier,
		manager:  manager,
		channels: make(map[string]int),
	}
}

// Start begins the poll loop. Unlike NotifyListener, there's no connection to
// establish — polling just needs a running ticker.
func (p *PollingListener) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.loopDone = make(chan struct{})
	go p.pollLoop(loopCtx)
	return nil
}

// Subscribe starts polling channel, seeded at the current max event ID so
// the first tick only delivers events published after Subscribe returns.
// Historical events are the caller's responsibility via catchup, exactly as
// with NotifyListener's LISTEN.
func (p *PollingListener) Subscribe(ctx context.Context, channel string) error {
	events, err := p.querier.GetEventsSince(ctx, channel, 0, 0)
	if err != nil {
		return err
	}
	sinceID := 0
	for _, evt := range events {
		if evt.ID > sinceID {
			sinceID = evt.ID
		}
	}

	p.channelsMu.Lock()
	defer p.channelsMu.Unlock()
	if _, exists := p.channels[channel]; !exists {
		p.channels[channel] = sinceID
	}
	return nil
}

// Unsubscribe stops polling channel.
func (p *PollingListener) Unsubscribe(_ context.Context, channel string) error {
	p.channelsMu.Lock()
	defer p.channelsMu.Unlock()
	delete(p.channels, channel)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (p *PollingListener) Stop(_ context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	if p.loopDone != nil {
		<-p.loopDone
	}
}

// pollLoop periodically queries every subscribed channel for events past its
// last-seen ID and broadcasts them, mirroring NotifyListener.receiveLoop's
// role but driven by a ticker instead of WaitForNotification.
func (p *PollingListener) pollLoop(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.pollOnce(ctx) {
				// Query error — back off before the next regular tick to
				// avoid hammering a database that's already unhappy.
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollBackoff):
				}
			}
		}
	}
}

// pollOnce queries every subscribed channel once. Returns false if any query
// failed, signalling the caller to back off.
func (p *PollingListener) pollOnce(ctx context.Context) bool {
	p.channelsMu.Lock()
	snapshot := make(map[string]int, len(p.channels))
	for channel, sinceID := range p.channels {
		snapshot[channel] = sinceID
	}
	p.channelsMu.Unlock()

	ok := true
	for channel, sinceID := range snapshot {
		newest, err := p.deliver(ctx, channel, sinceID)
		if err != nil {
			slog.Error("Polling listener query failed", "channel", channel, "error", err)
			ok = false
			continue
		}
		if newest == sinceID {
			continue
		}
		p.channelsMu.Lock()
		if cur, exists := p.channels[channel]; exists && cur == sinceID {
			p.channels[channel] = newest
		}
		p.channelsMu.Unlock()
	}
	return ok
}

// deliver fetches and broadcasts events for channel past sinceID, returning
// the highest event ID observed (== sinceID if none were found).
func (p *PollingListener) deliver(ctx context.Context, channel string, sinceID int) (int, error) {
	events, err := p.querier.GetEventsSince(ctx, channel, sinceID, pollBatchSize)
	if err != nil {
		return sinceID, err
	}

	newest := sinceID
	for _, evt := range events {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			slog.Warn("Failed to marshal polled event", "channel", channel, "error", err)
			continue
		}
		p.manager.Broadcast(channel, payload)
		if evt.ID > newest {
			newest = evt.ID
		}
	}
	return newest, nil
}
