package dashboard

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mistcharge/internal/device"
	"mistcharge/internal/logging"
	"mistcharge/internal/network"
	"mistcharge/internal/outbox"
	"mistcharge/internal/remote"
)

// Remote is the subset of the remote client the facade calls directly.
type Remote interface {
	Status(ctx context.Context) (*device.SensorSnapshot, error)
	Stats(ctx context.Context, days int) (device.StatisticsSeries, error)
	SendCommand(ctx context.Context, command string, params map[string]any) (*remote.CommandResponse, error)
	SetPower(ctx context.Context, on bool) (*remote.CommandResponse, error)
}

// Store is the part of the local store the facade reads and writes.
type Store interface {
	LoadSensorData(ctx context.Context) (*device.SensorSnapshot, error)
	SaveSensorData(ctx context.Context, data *device.SensorSnapshot) error
	SaveSensorDataLocal(ctx context.Context, data *device.SensorSnapshot) error
	LoadStatistics(ctx context.Context) (device.StatisticsSeries, error)
	SaveStatistics(ctx context.Context, stats device.StatisticsSeries) error
	LoadSettings(ctx context.Context) (device.AppSettings, error)
	SaveSettings(ctx context.Context, patch device.SettingsPatch) (device.AppSettings, error)
}

type Queue interface {
	Enqueue(ctx context.Context, command string, params map[string]any) (string, error)
	Status(ctx context.Context) (outbox.Status, error)
}

// Reachability is the network monitor as seen by the facade.
type Reachability interface {
	Online() bool
	Current() network.State
	SetOfflineMode(ctx context.Context, offline bool) error
}

type Config struct {
	Remote  Remote
	Store   Store
	Queue   Queue
	Network Reachability

	// StatsDays is used when FetchStats is called with a non-positive period.
	StatsDays int
	// OnSettings is called with the stored settings after every update.
	OnSettings func(device.AppSettings)

	Log *logrus.Entry
}

// StatusResult carries the snapshot and where it came from. Err is set on
// the cache-fallback path even when Data is present.
type StatusResult struct {
	Data      *device.SensorSnapshot `json:"data"`
	IsOffline bool                   `json:"isOffline"`
	Error     string                 `json:"error,omitempty"`
	Err       error                  `json:"-"`
}

type StatsResult struct {
	Data      device.StatisticsSeries `json:"data"`
	IsOffline bool                    `json:"isOffline"`
	Error     string                  `json:"error,omitempty"`
	Err       error                   `json:"-"`
}

// CommandResult reports whether a command went out directly or was queued.
// A queued command after a failed direct attempt carries that failure in Err.
type CommandResult struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

// Service is the data access facade used by the presentation layer. It
// never returns a panic or a bare transport error to the caller; everything
// is folded into a result.
type Service struct {
	remote     Remote
	store      Store
	queue      Queue
	network    Reachability
	statsDays  int
	onSettings func(device.AppSettings)
	log        *logrus.Entry
	now        func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.StatsDays <= 0 {
		cfg.StatsDays = 7
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Service{
		remote:     cfg.Remote,
		store:      cfg.Store,
		queue:      cfg.Queue,
		network:    cfg.Network,
		statsDays:  cfg.StatsDays,
		onSettings: cfg.OnSettings,
		log:        cfg.Log,
		now:        time.Now,
	}
}

// FetchStatus returns the live snapshot when online and the cached one
// otherwise.
func (s *Service) FetchStatus(ctx context.Context) StatusResult {
	if !s.network.Online() {
		data, err := s.cachedStatus(ctx)
		return statusResult(data, true, err)
	}

	data, err := s.remote.Status(ctx)
	if err == nil {
		if serr := s.store.SaveSensorData(ctx, data); serr != nil {
			s.log.WithError(serr).Warn("Failed to cache sensor data")
		}
		return statusResult(data, false, nil)
	}

	s.log.WithError(err).Warn("Failed to fetch status, using cached data")
	data, cerr := s.cachedStatus(ctx)
	if cerr != nil {
		return statusResult(nil, true, errors.Wrap(err, "fetch status"))
	}
	return statusResult(data, true, errors.Wrap(err, "showing cached data"))
}

func (s *Service) cachedStatus(ctx context.Context) (*device.SensorSnapshot, error) {
	data, err := s.store.LoadSensorData(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoData
	}
	return data, nil
}

// FetchStats behaves like FetchStatus for the statistics series. The cache
// holds one series regardless of the requested period.
func (s *Service) FetchStats(ctx context.Context, days int) StatsResult {
	if days <= 0 {
		days = s.statsDays
	}

	if !s.network.Online() {
		data, err := s.cachedStats(ctx)
		return statsResult(data, true, err)
	}

	data, err := s.remote.Stats(ctx, days)
	if err == nil {
		if serr := s.store.SaveStatistics(ctx, data); serr != nil {
			s.log.WithError(serr).Warn("Failed to cache statistics")
		}
		return statsResult(data, false, nil)
	}

	s.log.WithError(err).Warn("Failed to fetch statistics, using cached data")
	data, cerr := s.cachedStats(ctx)
	if cerr != nil {
		return statsResult(nil, true, errors.Wrap(err, "fetch statistics"))
	}
	return statsResult(data, true, errors.Wrap(err, "showing cached data"))
}

func (s *Service) cachedStats(ctx context.Context) (device.StatisticsSeries, error) {
	data, err := s.store.LoadStatistics(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoData
	}
	return data, nil
}

// Refresh fetches status and statistics concurrently.
func (s *Service) Refresh(ctx context.Context) (StatusResult, StatsResult) {
	var (
		g      errgroup.Group
		status StatusResult
		stats  StatsResult
	)
	g.Go(func() error {
		status = s.FetchStatus(ctx)
		return nil
	})
	g.Go(func() error {
		stats = s.FetchStats(ctx, s.statsDays)
		return nil
	})
	g.Wait()
	return status, stats
}

// TogglePower switches the collector on or off. Offline, or when the direct
// call fails, the command is queued and the cached snapshot shows the
// requested state right away.
func (s *Service) TogglePower(ctx context.Context, on bool) CommandResult {
	params := device.PowerParams(on, s.now())

	if !s.network.Online() {
		return s.enqueue(ctx, device.CommandPowerToggle, params, nil)
	}

	resp, err := s.remote.SetPower(ctx, on)
	if err != nil {
		s.log.WithError(err).Warn("Power command failed, queueing")
		return s.enqueue(ctx, device.CommandPowerToggle, params, err)
	}

	s.applyPower(ctx, on)
	return CommandResult{Success: true, Message: resp.Message}
}

// SendCommand delivers an arbitrary device command with the same queueing
// rules as TogglePower.
func (s *Service) SendCommand(ctx context.Context, command string, params map[string]any) CommandResult {
	if command == "" {
		return failed(invalid("command", "must not be empty"))
	}

	if !s.network.Online() {
		return s.enqueue(ctx, command, params, nil)
	}

	resp, err := s.remote.SendCommand(ctx, command, params)
	if err != nil {
		s.log.WithError(err).WithField("command", command).Warn("Command failed, queueing")
		return s.enqueue(ctx, command, params, err)
	}

	if on, ok := device.PowerState(command, params); ok {
		s.applyPower(ctx, on)
	}
	return CommandResult{Success: true, Message: resp.Message}
}

// enqueue queues the command and applies the optimistic update. cause is
// the failed direct attempt, if there was one.
func (s *Service) enqueue(ctx context.Context, command string, params map[string]any, cause error) CommandResult {
	id, err := s.queue.Enqueue(ctx, command, params)
	if err != nil {
		if cause != nil {
			err = errors.Wrapf(err, "queue after %v", cause)
		}
		return failed(err)
	}

	if on, ok := device.PowerState(command, params); ok {
		s.applyPower(ctx, on)
	}

	res := CommandResult{
		Success: cause == nil,
		Queued:  true,
		ID:      id,
		Message: "Command queued for when connection is restored",
	}
	if cause != nil {
		res.Err = cause
		res.Error = cause.Error()
	}
	return res
}

// applyPower rewrites the cached snapshot with the requested power state. It
// does not stamp the last sync time since nothing came from the server.
func (s *Service) applyPower(ctx context.Context, on bool) {
	data, err := s.store.LoadSensorData(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to load cached snapshot for power update")
	}
	if data == nil {
		empty := device.EmptySnapshot(s.now())
		data = &empty
	}

	next := *data
	next.IsPoweredOn = on
	if err := s.store.SaveSensorDataLocal(ctx, &next); err != nil {
		s.log.WithError(err).Warn("Failed to apply power state locally")
	}
}

func (s *Service) QueueStatus(ctx context.Context) (outbox.Status, error) {
	return s.queue.Status(ctx)
}

func (s *Service) NetworkState() network.State {
	return s.network.Current()
}

func (s *Service) Settings(ctx context.Context) (device.AppSettings, error) {
	return s.store.LoadSettings(ctx)
}

// UpdateSettings validates and merges patch into the stored settings. An
// offline mode change goes through the monitor so it applies immediately.
func (s *Service) UpdateSettings(ctx context.Context, patch device.SettingsPatch) (device.AppSettings, error) {
	if p := patch.DataRetentionDays; p != nil && *p < 1 {
		return device.AppSettings{}, invalid("dataRetentionDays", "must be at least 1, got %d", *p)
	}
	if p := patch.SyncInterval; p != nil && *p < 1000 {
		return device.AppSettings{}, invalid("syncInterval", "must be at least 1000 ms, got %d", *p)
	}

	if patch.OfflineMode != nil {
		if err := s.network.SetOfflineMode(ctx, *patch.OfflineMode); err != nil {
			return device.AppSettings{}, err
		}
		patch.OfflineMode = nil
	}

	var (
		settings device.AppSettings
		err      error
	)
	if patch.Empty() {
		settings, err = s.store.LoadSettings(ctx)
	} else {
		settings, err = s.store.SaveSettings(ctx, patch)
	}
	if err != nil {
		return settings, err
	}

	if s.onSettings != nil {
		s.onSettings(settings)
	}
	return settings, nil
}

// SetOfflineModeOverride forces offline mode on or off.
func (s *Service) SetOfflineModeOverride(ctx context.Context, offline bool) error {
	_, err := s.UpdateSettings(ctx, device.SettingsPatch{OfflineMode: &offline})
	return err
}

func statusResult(data *device.SensorSnapshot, offline bool, err error) StatusResult {
	res := StatusResult{Data: data, IsOffline: offline, Err: err}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func statsResult(data device.StatisticsSeries, offline bool, err error) StatsResult {
	res := StatsResult{Data: data, IsOffline: offline, Err: err}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func failed(err error) CommandResult {
	return CommandResult{Error: err.Error(), Err: err}
}
