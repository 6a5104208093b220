package main

import (
	"context"
	"fmt"

	elite "github.com/iwtcode/eliteAdapter"
	"github.com/iwtcode/eliteAdapter/ec"
	"github.com/iwtcode/eliteAdapter/internal/interfaces"
	"github.com/iwtcode/eliteAdapter/models"
)

// watch печатает выборки мониторинга и публикует их, пока не истечёт ctx.
// Фатальная ошибка канала останавливает опрос и возвращается вызывающему.
func watch(ctx context.Context, client *elite.Client, publisher interfaces.SnapshotPublisher) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	handler := func(s *models.Snapshot, err error) {
		if err != nil {
			if ec.IsFatal(err) {
				cancel(err)
			}
			return
		}
		printAsJSON("Snapshot", s)
		if publisher != nil {
			if err := publisher.PublishSnapshot(ctx, s); err != nil {
				client.GetLogger().WithError(err).Error("Failed to publish snapshot")
			}
		}
	}
	if err := client.StartMonitor(ctx, handler); err != nil {
		return err
	}
	<-ctx.Done()
	client.StopMonitor()

	if cause := context.Cause(ctx); ec.IsFatal(cause) {
		return fmt.Errorf("monitor stopped: %w", cause)
	}
	return nil
}
