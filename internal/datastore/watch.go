package datastore

import (
	"context"

	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/logger"
)

// Watch returns a channel that first carries the current alert list and
// then a fresh list after every committed change. The channel holds one
// snapshot; a slow reader skips to the newest. It is closed when ctx is
// done or the store is closed.
func (s *Store) Watch(ctx context.Context) <-chan []entities.Alert {
	ch := make(chan []entities.Alert, 1)

	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch

	// Seeding under watchMu keeps a concurrent publish from being
	// overwritten by an older initial snapshot.
	if list, err := s.AllAlerts(ctx); err == nil {
		ch <- list
	} else {
		GetLogger().Warn("watch: initial snapshot failed", logger.Error(err))
	}
	s.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.watchMu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.watchMu.Unlock()
	}()

	return ch
}

// publish pushes the current alert list to every watcher.
func (s *Store) publish(ctx context.Context) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if len(s.watchers) == 0 {
		return
	}

	list, err := s.AllAlerts(context.WithoutCancel(ctx))
	if err != nil {
		GetLogger().Warn("watch: snapshot failed", logger.Error(err))
		return
	}

	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
