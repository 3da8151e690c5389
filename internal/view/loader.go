package view

import (
	"context"
	"encoding/json"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/feed"
	"wastesync/internal/repo"
)

// StoreLoader loads the rows of the filter's tables straight from the
// store, applying the same ownership rule as the hub.
type StoreLoader struct {
	Repo   repo.Repo
	Config *config.Config
	Filter feed.Filter
}

func (l StoreLoader) Load(ctx context.Context) ([]Entry, int64, error) {
	// read the mark first so changes racing the load are replayed, not lost
	mark, err := l.Repo.LatestFeedID(ctx)
	if err != nil {
		return nil, 0, err
	}
	tables := l.Filter.Tables
	if len(tables) == 0 {
		tables = l.Config.Tables()
	}
	var out []Entry
	add := func(table, id, kind, owner, updatedAt string, v any) error {
		if l.Filter.UserID != "" && owner != "" && owner != l.Filter.UserID {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out = append(out, Entry{Table: table, ID: id, Kind: kind, UpdatedAt: updatedAt, Row: data})
		return nil
	}
	for _, table := range tables {
		if table == "notifications" {
			ns, err := l.Repo.ListNotifications(ctx, repo.NotificationFilters{OwnerRef: l.Filter.UserID})
			if err != nil {
				return nil, 0, err
			}
			for _, n := range ns {
				if err := add(table, n.ID, n.Kind, n.OwnerRef, n.UpdatedAt, n); err != nil {
					return nil, 0, err
				}
			}
			continue
		}
		for _, kind := range l.Config.KindNames() {
			k := l.Config.Kinds[kind]
			switch table {
			case k.Table:
				items, err := l.Repo.ListItems(ctx, kind, repo.ItemFilters{})
				if err != nil {
					return nil, 0, err
				}
				for _, it := range items {
					if err := add(table, it.ID, kind, deref(it.OwnerRef), it.UpdatedAt, it); err != nil {
						return nil, 0, err
					}
				}
			case k.ArchiveTable:
				recs, err := l.Repo.ListArchived(ctx, kind, repo.ItemFilters{})
				if err != nil {
					return nil, 0, err
				}
				for _, a := range recs {
					if err := add(table, a.ID, kind, deref(a.OwnerRef), a.UpdatedAt, a); err != nil {
						return nil, 0, err
					}
				}
			case k.StatusTable:
				events, err := l.Repo.ListStatusEvents(ctx, kind)
				if err != nil {
					return nil, 0, err
				}
				for _, se := range events {
					if err := add(table, domain.StatusRowID(kind, se.WorkItemID), kind, se.OwnerRef, se.UpdatedAt, se); err != nil {
						return nil, 0, err
					}
				}
			}
		}
	}
	return out, mark, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
