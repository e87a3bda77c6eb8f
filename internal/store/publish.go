package store

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// Publisher announces committed messages to a change feed.
type Publisher interface {
	Publish(ctx context.Context, msg *models.Message) error
}

// PublishingStore decorates a DataStore so every inserted message is handed
// to a Publisher after it commits. Publish failures are logged and never fail
// the insert; the feed is best-effort.
type PublishingStore struct {
	DataStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewPublishingStore wraps ds with publisher.
func NewPublishingStore(ds DataStore, publisher Publisher, logger zerolog.Logger) *PublishingStore {
	return &PublishingStore{
		DataStore: ds,
		publisher: publisher,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// InsertMessage inserts the message and publishes it.
func (s *PublishingStore) InsertMessage(ctx context.Context, credentialID string, role models.Role, content string, meta map[string]any) (*models.Message, error) {
	msg, err := s.DataStore.InsertMessage(ctx, credentialID, role, content, meta)
	if err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to publish message")
	}

	return msg, nil
}
