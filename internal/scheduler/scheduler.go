// Package scheduler は cron 式で定期ジョブをキューに投入します。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/chat-queue/internal/queue"
)

// DefaultTimezone はスケジュールの既定タイムゾーンです。
const DefaultTimezone = "America/New_York"

var (
	fireTimeout = 30 * time.Second
	stopTimeout = 10 * time.Second
)

// ErrAlreadyInitialized は Initialize を2回呼んだときに返ります。
var ErrAlreadyInitialized = errors.New("scheduler: already initialized")

// Runner はトリガーの発火タイミングを司ります。*cron.Cron がそのまま満たします。
type Runner interface {
	Start()
	Stop() context.Context
}

// RunnerFactory は schedule に従って fire を呼ぶ Runner を作成します。
type RunnerFactory func(schedule string, loc *time.Location, fire func()) (Runner, error)

// CronRunnerFactory は robfig/cron を使う RunnerFactory です。
func CronRunnerFactory(logger *slog.Logger) RunnerFactory {
	return func(schedule string, loc *time.Location, fire func()) (Runner, error) {
		c := cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger: logger}),
		)
		if _, err := c.AddFunc(schedule, fire); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}
		return c, nil
	}
}

// Trigger は個別に開始・停止できる定期投入の単位です。
type Trigger struct {
	def      Definition
	loc      *time.Location
	runner   Runner
	registry *queue.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

// Name はトリガー名を返します。
func (t *Trigger) Name() string { return t.def.Name }

// Schedule は cron 式を返します。
func (t *Trigger) Schedule() string { return t.def.Schedule }

// Location はスケジュールのタイムゾーンを返します。
func (t *Trigger) Location() *time.Location { return t.loc }

// Start はタイマーを開始します。開始済みなら何もしません。
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.runner.Start()
	t.running = true
}

// Stop はタイマーを停止し、実行中の発火が終わるのを待ちます。停止済みなら何もしません。
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	done := t.runner.Stop()
	t.mu.Unlock()

	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		t.logger.Warn("trigger did not stop in time", slog.String("trigger", t.def.Name))
	}
}

// Running は開始中かどうかを返します。
func (t *Trigger) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Fire はペイロードを組み立ててキューに投入します。
// 失敗やパニックはエラーとして返し、ログに残します。他のトリガーには影響しません。
func (t *Trigger) Fire(ctx context.Context) (jobID string, err error) {
	logger := t.logger.With(
		slog.String("trigger", t.def.Name),
		slog.String("queue", t.def.Queue.String()),
		slog.String("job_type", t.def.JobType),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger %s panicked: %v", t.def.Name, r)
		}
		if err != nil {
			logger.Error("scheduled job enqueue failed", slog.Any("error", err))
		}
	}()

	logger.Info("running scheduled trigger")
	q, err := t.registry.Queue(t.def.Queue)
	if err != nil {
		return "", err
	}
	jobID, err = q.Enqueue(ctx, t.def.JobType, t.def.Build(t.now()))
	if err != nil {
		return "", err
	}
	logger.Info("scheduled job enqueued", slog.String("job_id", jobID))
	return jobID, nil
}

func (t *Trigger) fireFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	_, _ = t.Fire(ctx)
}

// Scheduler はトリガーの一覧を保持します。
type Scheduler struct {
	registry *queue.Registry
	logger   *slog.Logger
	factory  RunnerFactory
	defs     []Definition
	timezone string
	file     *FileConfig
	now      func() time.Time

	mu          sync.Mutex
	triggers    []*Trigger
	initialized bool
}

// Option は Scheduler の設定を変更します。
type Option func(*Scheduler)

// WithRunnerFactory はタイマーの実装を差し替えます。
func WithRunnerFactory(f RunnerFactory) Option {
	return func(s *Scheduler) { s.factory = f }
}

// WithDefinitions はトリガー定義を差し替えます。
func WithDefinitions(defs []Definition) Option {
	return func(s *Scheduler) { s.defs = defs }
}

// WithTimezone は既定のタイムゾーンを設定します。
func WithTimezone(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.timezone = name
		}
	}
}

// WithFileConfig はファイルからの上書き設定を適用します。
func WithFileConfig(fc *FileConfig) Option {
	return func(s *Scheduler) { s.file = fc }
}

// WithClock はペイロード組み立てに使う時刻を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New は Scheduler を作成します。トリガーは Initialize まで登録されません。
func New(registry *queue.Registry, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		registry: registry,
		logger:   logger,
		defs:     DefaultDefinitions(),
		timezone: DefaultTimezone,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		s.factory = CronRunnerFactory(logger)
	}
	return s
}

// Initialize は全トリガーを登録して開始します。1度しか呼べません。
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if !s.registry.AsyncAvailable() {
		return queue.ErrAsyncDisabled
	}

	s.logger.Info("initializing cron scheduler")
	triggers := make([]*Trigger, 0, len(s.defs))
	for _, def := range s.defs {
		trigger, enabled, err := s.buildTrigger(def)
		if err != nil {
			return err
		}
		if !enabled {
			s.logger.Info("trigger disabled by config", slog.String("trigger", def.Name))
			continue
		}
		triggers = append(triggers, trigger)
	}

	for _, t := range triggers {
		t.Start()
		s.logger.Info("trigger scheduled",
			slog.String("trigger", t.Name()),
			slog.String("schedule", t.Schedule()),
			slog.String("timezone", t.loc.String()),
		)
	}
	s.triggers = triggers
	s.initialized = true
	s.logger.Info("scheduler initialized", slog.Int("triggers", len(triggers)))
	return nil
}

func (s *Scheduler) buildTrigger(def Definition) (*Trigger, bool, error) {
	tz := s.timezone
	if s.file != nil && s.file.Timezone != "" {
		tz = s.file.Timezone
	}
	if s.file != nil {
		if o, ok := s.file.Triggers[def.Name]; ok {
			if o.Enabled != nil && !*o.Enabled {
				return nil, false, nil
			}
			if o.Schedule != "" {
				def.Schedule = o.Schedule
			}
			if o.Timezone != "" {
				tz = o.Timezone
			}
		}
	}

	loc, err := loadLocation(tz)
	if err != nil {
		return nil, false, fmt.Errorf("trigger %s: %w", def.Name, err)
	}
	if !def.Queue.Valid() {
		return nil, false, fmt.Errorf("trigger %s: %w", def.Name, queue.ErrUnknownQueue)
	}

	t := &Trigger{
		def:      def,
		loc:      loc,
		registry: s.registry,
		logger:   s.logger,
		now:      s.now,
	}
	runner, err := s.factory(def.Schedule, loc, t.fireFromTimer)
	if err != nil {
		return nil, false, fmt.Errorf("trigger %s: %w", def.Name, err)
	}
	t.runner = runner
	return t, true, nil
}

// Triggers は登録済みトリガーを返します。
func (s *Scheduler) Triggers() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Trigger(nil), s.triggers...)
}

// Trigger は名前でトリガーを返します。
func (s *Scheduler) Trigger(name string) (*Trigger, bool) {
	for _, t := range s.Triggers() {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// StopAll は全トリガーを停止します。何度呼んでも安全です。
func (s *Scheduler) StopAll() {
	s.logger.Info("stopping all scheduled triggers")
	for _, t := range s.Triggers() {
		t.Stop()
	}
	s.logger.Info("all scheduled triggers stopped")
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// cronLogger は cron.Logger を slog に流します。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
