package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mistcharge/internal/device"
	"mistcharge/internal/logging"
	"mistcharge/internal/network"
	"mistcharge/internal/outbox"
	"mistcharge/internal/remote"
)

// ErrSyncInProgress is returned when a cycle is requested while another one
// is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Remote is the subset of the remote client the engine talks to.
type Remote interface {
	Status(ctx context.Context) (*device.SensorSnapshot, error)
	Stats(ctx context.Context, days int) (device.StatisticsSeries, error)
	SendCommand(ctx context.Context, command string, params map[string]any) (*remote.CommandResponse, error)
}

// Cache is the part of the local store the engine refreshes.
type Cache interface {
	SaveSensorData(ctx context.Context, data *device.SensorSnapshot) error
	SaveStatistics(ctx context.Context, stats device.StatisticsSeries) error
	PruneSensorData(ctx context.Context, cutoff time.Time) (bool, error)
	LoadSettings(ctx context.Context) (device.AppSettings, error)
}

// Queue is the command outbox.
type Queue interface {
	List(ctx context.Context) ([]device.QueuedCommand, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) (int, error)
	Clear(ctx context.Context) error
	Status(ctx context.Context) (outbox.Status, error)
	PruneOlderThan(ctx context.Context, age time.Duration) (int, error)
}

type Config struct {
	Remote Remote
	Cache  Cache
	Queue  Queue

	// StatsDays is the statistics period fetched on each data refresh.
	StatsDays int
	// CommandTimeout bounds the delivery of a single queued command.
	CommandTimeout time.Duration
	// MaxRetries drops a command after that many failed deliveries. Zero
	// keeps retrying forever.
	MaxRetries int
	// CommandTTL is the age after which Cleanup drops queued commands. Zero
	// disables expiry.
	CommandTTL time.Duration

	// Online gates auto-sync ticks. Nil means always online.
	Online func() bool
	// Observer receives the result of every completed cycle.
	Observer func(Result)

	Log *logrus.Entry
}

// Options selects the halves of a cycle.
type Options struct {
	SyncCommands bool
	SyncData     bool
}

// Result summarizes one cycle.
type Result struct {
	Success         bool   `json:"success"`
	CommandsSent    int    `json:"commandsSent"`
	CommandsFailed  int    `json:"commandsFailed"`
	CommandsDropped int    `json:"commandsDropped,omitempty"`
	DataUpdated     bool   `json:"dataUpdated"`
	Error           string `json:"error,omitempty"`
	Err             error  `json:"-"`
}

// Status reports what the engine is doing right now.
type Status struct {
	IsSyncing   bool `json:"isSyncing"`
	HasAutoSync bool `json:"hasAutoSync"`
}

// Engine drains the outbox and refreshes the local cache. At most one cycle
// runs at a time; concurrent requests are rejected, never queued.
type Engine struct {
	remote         Remote
	cache          Cache
	queue          Queue
	statsDays      int
	commandTimeout time.Duration
	maxRetries     int
	commandTTL     time.Duration
	online         func() bool
	observer       func(Result)
	log            *logrus.Entry
	now            func() time.Time

	syncing   atomic.Bool
	wasOnline atomic.Bool

	autoMu   sync.Mutex
	autoStop context.CancelFunc
	autoDone chan struct{}

	background sync.WaitGroup
}

func NewEngine(cfg Config) *Engine {
	if cfg.StatsDays <= 0 {
		cfg.StatsDays = 7
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Engine{
		remote:         cfg.Remote,
		cache:          cfg.Cache,
		queue:          cfg.Queue,
		statsDays:      cfg.StatsDays,
		commandTimeout: cfg.CommandTimeout,
		maxRetries:     cfg.MaxRetries,
		commandTTL:     cfg.CommandTTL,
		online:         cfg.Online,
		observer:       cfg.Observer,
		log:            cfg.Log,
		now:            time.Now,
	}
}

// Sync runs one cycle. It never panics; every failure is reported in the
// result.
func (e *Engine) Sync(ctx context.Context, opts Options) (res Result) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.log.Debug("Sync already in progress, skipping")
		return Result{Error: ErrSyncInProgress.Error(), Err: ErrSyncInProgress}
	}
	defer e.syncing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync panicked: %v", r)
			e.log.WithError(err).Error("Sync failed")
			res = Result{Error: err.Error(), Err: err}
		}
		if e.observer != nil {
			e.observer(res)
		}
	}()

	start := time.Now()
	var problems []string

	if opts.SyncCommands {
		sent, failed, dropped, err := e.drain(ctx)
		res.CommandsSent, res.CommandsFailed, res.CommandsDropped = sent, failed, dropped
		if err != nil {
			problems = append(problems, err.Error())
		} else if failed > 0 {
			problems = append(problems, fmt.Sprintf("%d commands failed", failed))
		}
	}

	if opts.SyncData {
		updated, err := e.refresh(ctx)
		res.DataUpdated = updated
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	res.Success = res.CommandsFailed == 0 && len(problems) == 0 && (res.DataUpdated || !opts.SyncData)
	if len(problems) > 0 {
		res.Error = strings.Join(problems, "; ")
		res.Err = errors.New(res.Error)
	}

	e.log.WithFields(logrus.Fields{
		"sent":     res.CommandsSent,
		"failed":   res.CommandsFailed,
		"dropped":  res.CommandsDropped,
		"data":     res.DataUpdated,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Infof("Sync completed: success=%v", res.Success)
	return res
}

// ForceSync runs a full cycle.
func (e *Engine) ForceSync(ctx context.Context) Result {
	return e.Sync(ctx, Options{SyncCommands: true, SyncData: true})
}

func (e *Engine) SyncCommandsOnly(ctx context.Context) Result {
	return e.Sync(ctx, Options{SyncCommands: true})
}

func (e *Engine) SyncDataOnly(ctx context.Context) Result {
	return e.Sync(ctx, Options{SyncData: true})
}

// drain delivers queued commands strictly in FIFO order. A failed delivery
// stays queued and the loop moves on to the next entry.
func (e *Engine) drain(ctx context.Context) (sent, failed, dropped int, err error) {
	queue, err := e.queue.List(ctx)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "read command queue")
	}
	if len(queue) == 0 {
		return 0, 0, 0, nil
	}

	e.log.Infof("Syncing %d queued commands", len(queue))
	for _, cmd := range queue {
		log := e.log.WithFields(logrus.Fields{"id": cmd.ID, "command": cmd.Command})

		if err := e.deliver(ctx, cmd); err != nil {
			failed++
			log.WithError(err).Warn("Failed to sync command")

			retries, merr := e.queue.MarkFailed(ctx, cmd.ID)
			if merr != nil {
				log.WithError(merr).Error("Failed to record retry")
				continue
			}
			if e.maxRetries > 0 && retries >= e.maxRetries {
				if rerr := e.queue.Remove(ctx, cmd.ID); rerr != nil {
					log.WithError(rerr).Error("Failed to drop command")
					continue
				}
				dropped++
				log.Warnf("Dropped command after %d attempts", retries)
			}
			continue
		}

		sent++
		if err := e.queue.Remove(ctx, cmd.ID); err != nil {
			log.WithError(err).Error("Command delivered but could not be removed from queue")
			continue
		}
		log.Info("Synced command")
	}
	return sent, failed, dropped, nil
}

func (e *Engine) deliver(ctx context.Context, cmd device.QueuedCommand) error {
	ctx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	_, err := e.remote.SendCommand(ctx, cmd.Command, cmd.Parameters)
	return err
}

// refresh fetches status and statistics. Each fetched entity replaces its
// cache wholesale; the data counts as updated only when both made it.
func (e *Engine) refresh(ctx context.Context) (bool, error) {
	var problems []string

	snapshot, err := e.remote.Status(ctx)
	if err == nil {
		err = e.cache.SaveSensorData(ctx, snapshot)
	}
	if err != nil {
		problems = append(problems, "status: "+err.Error())
	}

	stats, err := e.remote.Stats(ctx, e.statsDays)
	if err == nil {
		err = e.cache.SaveStatistics(ctx, stats)
	}
	if err != nil {
		problems = append(problems, "statistics: "+err.Error())
	}

	if len(problems) > 0 {
		err := errors.New("data sync failed: " + strings.Join(problems, ", "))
		e.log.WithError(err).Warn("Data sync incomplete")
		return false, err
	}
	return true, nil
}

// Cleanup drops cached data older than the retention setting and queued
// commands older than the command TTL.
func (e *Engine) Cleanup(ctx context.Context) error {
	settings, err := e.cache.LoadSettings(ctx)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}

	if settings.DataRetentionDays > 0 {
		pruned, err := e.cache.PruneSensorData(ctx, e.now().Add(-settings.Retention()))
		if err != nil {
			return errors.Wrap(err, "prune sensor data")
		}
		if pruned {
			e.log.Info("Cleaned up old sensor data")
		}
	}

	if e.commandTTL > 0 {
		if _, err := e.queue.PruneOlderThan(ctx, e.commandTTL); err != nil {
			return errors.Wrap(err, "prune command queue")
		}
	}
	return nil
}

// StartAutoSync runs a full cycle every interval until StopAutoSync or ctx
// is done. A running loop is stopped first. Ticks are skipped while offline.
func (e *Engine) StartAutoSync(ctx context.Context, interval time.Duration) {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()

	e.stopAutoLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.autoStop = cancel
	e.autoDone = done

	e.log.Infof("Starting auto sync with interval %s", interval)
	go e.autoLoop(loopCtx, interval, done)
}

// StopAutoSync stops the loop and waits for it to exit. A cycle already in
// flight completes first.
func (e *Engine) StopAutoSync() {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	e.stopAutoLocked()
}

func (e *Engine) stopAutoLocked() {
	if e.autoStop == nil {
		return
	}
	e.autoStop()
	<-e.autoDone
	e.autoStop = nil
	e.autoDone = nil
	e.log.Info("Auto sync stopped")
}

func (e *Engine) autoLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.online != nil && !e.online() {
				e.log.Debug("Offline, skipping auto sync")
				continue
			}
			cycleCtx := context.WithoutCancel(ctx)
			e.ForceSync(cycleCtx)
			if err := e.Cleanup(cycleCtx); err != nil {
				e.log.WithError(err).Warn("Cleanup failed")
			}
		}
	}
}

// OnReachability starts a background cycle when the network comes back.
// It is meant to be registered with network.Monitor.Subscribe.
func (e *Engine) OnReachability(st network.State) {
	online := st.Online()
	if e.wasOnline.Swap(online) || !online {
		return
	}

	e.log.Info("Back online, syncing")
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.ForceSync(context.Background())
	}()
}

// Close stops auto-sync and waits for background cycles to finish.
func (e *Engine) Close() {
	e.StopAutoSync()
	e.background.Wait()
}

func (e *Engine) Status() Status {
	e.autoMu.Lock()
	hasAuto := false
	if e.autoDone != nil {
		select {
		case <-e.autoDone:
		default:
			hasAuto = true
		}
	}
	e.autoMu.Unlock()

	return Status{
		IsSyncing:   e.syncing.Load(),
		HasAutoSync: hasAuto,
	}
}

// QueueStatus reads the live outbox.
func (e *Engine) QueueStatus(ctx context.Context) (outbox.Status, error) {
	return e.queue.Status(ctx)
}

func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.queue.Clear(ctx)
}
