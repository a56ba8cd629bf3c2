package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mistcharge/internal/device"
	"mistcharge/internal/storage"
)

// Store is the key/value persistence the outbox writes its list into.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Status summarizes the queue for display.
type Status struct {
	Pending int        `json:"pending"`
	Oldest  *time.Time `json:"oldest"`
}

// Outbox is a durable FIFO of commands waiting for delivery. The whole list
// lives under one key and every mutation rewrites it under mu; there is no
// in-memory copy, so a failed write means the mutation did not happen.
type Outbox struct {
	store Store
	log   *logrus.Entry
	now   func() time.Time
	newID func() string

	mu sync.Mutex
}

func New(store Store, log *logrus.Entry) *Outbox {
	return &Outbox{
		store: store,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Enqueue appends a command and returns its id. The queue is unbounded.
func (o *Outbox) Enqueue(ctx context.Context, command string, params map[string]any) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return "", errors.Wrapf(err, "enqueue %s", command)
	}

	cmd := device.QueuedCommand{
		ID:         o.newID(),
		Command:    command,
		Parameters: params,
		Timestamp:  o.now().UnixMilli(),
	}
	queue = append(queue, cmd)

	if err := o.store.Put(ctx, storage.KeyCommandQueue, queue); err != nil {
		return "", errors.Wrapf(err, "enqueue %s", command)
	}

	o.log.WithField("id", cmd.ID).Infof("Queued command: %s", command)
	return cmd.ID, nil
}

// List returns a snapshot of the queue in FIFO order.
func (o *Outbox) List(ctx context.Context) ([]device.QueuedCommand, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.load(ctx)
}

// Remove deletes the command with id. Unknown ids are ignored.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return err
	}

	kept := queue[:0]
	for _, cmd := range queue {
		if cmd.ID != id {
			kept = append(kept, cmd)
		}
	}
	if len(kept) == len(queue) {
		return nil
	}
	return o.store.Put(ctx, storage.KeyCommandQueue, kept)
}

// MarkFailed increments the retry count of id and returns the new count.
// Unknown ids return 0 without error.
func (o *Outbox) MarkFailed(ctx context.Context, id string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return 0, err
	}

	for i := range queue {
		if queue[i].ID == id {
			queue[i].RetryCount++
			if err := o.store.Put(ctx, storage.KeyCommandQueue, queue); err != nil {
				return 0, err
			}
			return queue[i].RetryCount, nil
		}
	}
	return 0, nil
}

// Clear discards every queued command.
func (o *Outbox) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.store.Delete(ctx, storage.KeyCommandQueue); err != nil {
		return err
	}
	o.log.Info("Command queue cleared")
	return nil
}

// Status reads the live queue.
func (o *Outbox) Status(ctx context.Context) (Status, error) {
	queue, err := o.List(ctx)
	if err != nil {
		return Status{}, err
	}

	status := Status{Pending: len(queue)}
	for _, cmd := range queue {
		at := cmd.EnqueuedAt()
		if status.Oldest == nil || at.Before(*status.Oldest) {
			status.Oldest = &at
		}
	}
	return status, nil
}

// PruneOlderThan drops commands enqueued before now-age and returns how
// many were dropped.
func (o *Outbox) PruneOlderThan(ctx context.Context, age time.Duration) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue, err := o.load(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := o.now().Add(-age).UnixMilli()
	kept := make([]device.QueuedCommand, 0, len(queue))
	for _, cmd := range queue {
		if cmd.Timestamp > cutoff {
			kept = append(kept, cmd)
		}
	}

	dropped := len(queue) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	if err := o.store.Put(ctx, storage.KeyCommandQueue, kept); err != nil {
		return 0, err
	}
	o.log.Infof("Cleaned up %d old commands", dropped)
	return dropped, nil
}

func (o *Outbox) load(ctx context.Context) ([]device.QueuedCommand, error) {
	var queue []device.QueuedCommand
	if _, err := o.store.Get(ctx, storage.KeyCommandQueue, &queue); err != nil {
		return nil, err
	}
	if queue == nil {
		queue = []device.QueuedCommand{}
	}
	return queue, nil
}
