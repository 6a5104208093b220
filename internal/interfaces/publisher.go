package interfaces

import (
	"context"

	"github.com/iwtcode/eliteAdapter/models"
)

// SnapshotPublisher определяет контракт для отправки выборок мониторинга во внешние системы
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, s *models.Snapshot) error
	Close() error
}
