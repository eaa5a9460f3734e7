package filemgr

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/svetliomitev/miniclouds-sub000/internal/logging"
	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
	"github.com/svetliomitev/miniclouds-sub000/pkg/client"
	"github.com/svetliomitev/miniclouds-sub000/pkg/hardlock"
	"github.com/svetliomitev/miniclouds-sub000/pkg/protocol"
)

// ApplyStats feeds a stats payload pushed by the host into the lock and the
// totals view.
func (m *Manager) ApplyStats(st protocol.Stats) {
	m.applyStats(st, hardlock.SourceStats, "push")
}

// Stats returns the last stats payload, or nil.
func (m *Manager) Stats() *protocol.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return nil
	}
	st := *m.stats
	return &st
}

func (m *Manager) applyStats(st protocol.Stats, source hardlock.Source, label string) {
	m.mu.Lock()
	m.stats = &st
	m.mu.Unlock()

	metrics.RecordStatsUpdate(label)
	m.lock.SyncFromStats(st, source, hardlock.Options{Show: true, Hide: true})
	m.AfterRender()
}

// PollStats fetches stats once.
func (m *Manager) PollStats(ctx context.Context) error {
	st, err := m.api.Stats(ctx)
	if err != nil {
		return err
	}
	m.applyStats(*st, hardlock.SourceStats, "poll")
	return nil
}

// Watch polls stats every StatsPollInterval and, with WatchSSE, also applies
// stats pushed by the stream. It returns when ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if m.opts.WatchSSE && m.deps.Stream != nil {
		g.Go(func() error {
			for st := range m.deps.Stream.Subscribe(gctx) {
				m.applyStats(st, hardlock.SourceStats, "stream")
			}
			logging.Debug("stats stream closed")
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(m.opts.StatsPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := m.PollStats(gctx); err != nil && !client.IsCancelled(err) {
					logging.Warn("stats poll failed", logging.Err(err))
				}
			}
		}
	})

	return g.Wait()
}
