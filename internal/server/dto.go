package server

import (
	"encoding/json"

	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
)

// Request payloads

type CreateItemRequest struct {
	ID       string         `json:"id,omitempty"`
	OwnerRef string         `json:"owner_ref,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type TransitionRequest struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	// At orders concurrent writers; it defaults to the server clock.
	At         string `json:"at,omitempty" format:"date-time"`
	Force      bool   `json:"force,omitempty"`
	SkipNotify bool   `json:"skip_notify,omitempty"`
}

type PublishRequest struct {
	WorkItemID string `json:"work_item_id"`
	OwnerRef   string `json:"owner_ref"`
	Kind       string `json:"kind"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status"`
	Response   string `json:"response,omitempty"`
	At         string `json:"at,omitempty" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type KindResponse struct {
	Name             string   `json:"name"`
	Table            string   `json:"table"`
	ArchiveTable     string   `json:"archive_table"`
	StatusTable      string   `json:"status_table"`
	Statuses         []string `json:"statuses"`
	ResponseRequired []string `json:"response_required"`
	Deletable        bool     `json:"deletable"`
	Notify           bool     `json:"notify"`
}

type MoveResponse struct {
	Key           string                `json:"key"`
	Kind          string                `json:"kind"`
	Direction     domain.Direction      `json:"direction" enum:"archive,restore"`
	SourceID      string                `json:"source_id"`
	Replayed      bool                  `json:"replayed"`
	SourceRemoved bool                  `json:"source_removed"`
	Item          *domain.WorkItem      `json:"item,omitempty"`
	Archived      *domain.ArchiveRecord `json:"archived,omitempty"`
	Warnings      []engine.Warning      `json:"warnings"`
}

type PublishResponse struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	Queued       bool                 `json:"queued"`
	Warnings     []engine.Warning     `json:"warnings"`
}

type itemList struct {
	Items []domain.WorkItem `json:"items"`
}

type archiveList struct {
	Items []domain.ArchiveRecord `json:"items"`
}

type notificationList struct {
	Items []domain.Notification `json:"items"`
}

type warningList struct {
	Items []engine.Warning `json:"items"`
}

type logList struct {
	Items []domain.LogEntry `json:"items"`
}

func kindResponse(name string, k config.KindConfig) KindResponse {
	return KindResponse{
		Name:             name,
		Table:            k.Table,
		ArchiveTable:     k.ArchiveTable,
		StatusTable:      k.StatusTable,
		Statuses:         nonNilSlice(k.Statuses),
		ResponseRequired: nonNilSlice(k.ResponseRequired),
		Deletable:        k.Deletable,
		Notify:           k.Notify,
	}
}

func moveResponse(res engine.MoveResult) MoveResponse {
	return MoveResponse{
		Key:           res.Key,
		Kind:          res.Kind,
		Direction:     res.Direction,
		SourceID:      res.SourceID,
		Replayed:      res.Replayed,
		SourceRemoved: res.SourceRemoved,
		Item:          res.Item,
		Archived:      res.Archived,
		Warnings:      []engine.Warning{},
	}
}

func encodePayload(p map[string]any) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
