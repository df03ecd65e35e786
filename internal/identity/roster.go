package identity

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/store"
)

// Roster is one rendering of the lobby list: everyone but the local
// identity, split by presence.
type Roster struct {
	Online  []*Identity
	Offline []*Identity
}

// RosterFeed owns the subscription behind a live roster. Detach when
// the lobby view goes away.
type RosterFeed struct {
	watch *store.Watch
}

// WatchRoster invokes onChange with a fresh roster immediately and then
// on every identity or presence change. The callback runs on the feed
// goroutine; consumers hand off if they need to block.
func (s *Service) WatchRoster(ctx context.Context, localUID string, onChange func(Roster)) (*RosterFeed, error) {
	w, err := s.store.Watch(ctx, Feed)
	if err != nil {
		return nil, err
	}
	go func() {
		for range w.Events() {
			r, err := s.snapshotRoster(context.Background(), localUID)
			if err != nil {
				obslog.L().Warn("roster_refresh_error", zap.Error(err))
				continue
			}
			onChange(r)
		}
	}()
	return &RosterFeed{watch: w}, nil
}

func (f *RosterFeed) Detach() { f.watch.Detach() }

func (s *Service) snapshotRoster(ctx context.Context, localUID string) (Roster, error) {
	all, err := s.All(ctx)
	if err != nil {
		return Roster{}, err
	}
	var r Roster
	for _, id := range all {
		if id.UID == localUID {
			continue
		}
		if id.IsOnline {
			r.Online = append(r.Online, id)
		} else {
			r.Offline = append(r.Offline, id)
		}
	}
	byName := func(list []*Identity) func(i, j int) bool {
		return func(i, j int) bool { return list[i].DisplayName < list[j].DisplayName }
	}
	sort.Slice(r.Online, byName(r.Online))
	sort.Slice(r.Offline, byName(r.Offline))
	return r, nil
}
