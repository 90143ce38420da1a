// Package matrix posts notices to a Matrix room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix credentials.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Sender is a send-only Matrix client. The agent never syncs.
type Sender struct {
	client *mautrix.Client
}

// New creates a Sender. No request is made until the first call.
func New(cfg Config) (*Sender, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	return &Sender{client: client}, nil
}

// JoinRoom joins roomID. Being refused because the user is already a
// member is not an error.
func (s *Sender) JoinRoom(ctx context.Context, roomID string) error {
	_, err := s.client.JoinRoomByID(ctx, id.RoomID(roomID))
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: join refused, assuming already a member", "room", roomID)
			return nil
		}
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// SendNotice posts a notice (m.notice) to roomID.
func (s *Sender) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}
