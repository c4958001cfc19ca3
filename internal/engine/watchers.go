package engine

import (
	"context"
	"strings"
	"sync"
)

// WatcherSupervisor keeps a change-feed listener attached to every issue
// database, funneling classified events into the sync worker. Between Stop
// and Start nothing is observed; callers are expected to restart rarely.
type WatcherSupervisor struct {
	store  DocumentStore
	sink   func(ChangeEvent)
	logger Logger

	mu    sync.Mutex
	feeds map[string]ChangeFeed
	wg    sync.WaitGroup
}

func NewWatcherSupervisor(store DocumentStore, sink func(ChangeEvent), logger Logger) *WatcherSupervisor {
	return &WatcherSupervisor{
		store:  store,
		sink:   sink,
		logger: logger,
		feeds:  map[string]ChangeFeed{},
	}
}

// Start attaches a listener to every issue-scoped database.
func (s *WatcherSupervisor) Start(ctx context.Context) error {
	names, err := s.store.AllDatabases(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "issue-") {
			continue
		}
		if err := s.watch(ctx, name); err != nil {
			s.logf("watch %s failed: %v", name, err)
		}
	}
	return nil
}

func (s *WatcherSupervisor) watch(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.feeds[name]; ok {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot with a nil entry so a concurrent Start cannot
	// dial a second feed for the same database while this one is in
	// flight.
	s.feeds[name] = nil
	s.mu.Unlock()

	feed, err := s.store.Changes(ctx, name)

	s.mu.Lock()
	if err != nil {
		if cur, ok := s.feeds[name]; ok && cur == nil {
			delete(s.feeds, name)
		}
		s.mu.Unlock()
		return err
	}
	if cur, ok := s.feeds[name]; !ok || cur != nil {
		// Stop or StopDatabase dropped the reservation while dialing;
		// the feed must not attach.
		s.mu.Unlock()
		feed.Stop()
		return nil
	}
	s.feeds[name] = feed
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for row := range feed.Events() {
			s.sink(Classify(name, row))
		}
	}()
	return nil
}

// Stop detaches all listeners and waits for their pumps to finish.
func (s *WatcherSupervisor) Stop() {
	s.mu.Lock()
	feeds := s.feeds
	s.feeds = map[string]ChangeFeed{}
	s.mu.Unlock()
	for _, feed := range feeds {
		if feed == nil {
			continue
		}
		feed.Stop()
	}
	s.wg.Wait()
}

// StopDatabase detaches the listener for one database, used before the
// database is destroyed.
func (s *WatcherSupervisor) StopDatabase(name string) {
	s.mu.Lock()
	feed, ok := s.feeds[name]
	if ok {
		delete(s.feeds, name)
	}
	s.mu.Unlock()
	if ok && feed != nil {
		feed.Stop()
	}
}

func (s *WatcherSupervisor) Restart(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

func (s *WatcherSupervisor) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.feeds))
	for name, feed := range s.feeds {
		if feed == nil {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (s *WatcherSupervisor) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
