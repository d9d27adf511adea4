package race

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// EventKind 事件类型
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventPreflight     EventKind = "preflight"
	EventPhase         EventKind = "phase"
	EventRoundFinished EventKind = "round_finished"
	EventRunFinished   EventKind = "run_finished"
)

// 进度状态
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event 运行过程中的进度事件
type Event struct {
	Kind     EventKind
	RunID    string
	Step     string // init / preflight / round{N}_{phase} / done
	Status   string
	Detail   string
	Round    int
	Elapsed  time.Duration
	Time     time.Time
	Config   *Config   // EventRunStarted
	Evidence *Evidence // EventRoundFinished
	Result   *Result   // EventRunFinished
}

// Observer 接收进度事件。返回的错误只记录日志，不影响运行。
type Observer interface {
	OnEvent(ctx context.Context, ev Event) error
}

// ObserverFunc 函数适配器
type ObserverFunc func(ctx context.Context, ev Event) error

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// progressRecord .progress 文件内容
type progressRecord struct {
	Step           string  `json:"step"`
	Status         string  `json:"status"`
	Detail         string  `json:"detail,omitempty"`
	Round          int     `json:"round,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	UpdatedAt      string  `json:"updated_at"`
	PID            int     `json:"pid"`
	RunID          string  `json:"run_id"`
}

// ProgressFile 将最新事件覆盖写入 <dir>/.progress
type ProgressFile struct {
	Path string
}

// NewProgressFile 创建 .progress 观察者
func NewProgressFile(dir string) *ProgressFile {
	return &ProgressFile{Path: filepath.Join(dir, ".progress")}
}

func (p *ProgressFile) OnEvent(_ context.Context, ev Event) error {
	rec := progressRecord{
		Step:           ev.Step,
		Status:         ev.Status,
		Detail:         ev.Detail,
		Round:          ev.Round,
		ElapsedSeconds: float64(ev.Elapsed.Round(time.Second) / time.Second),
		UpdatedAt:      ev.Time.UTC().Format(time.RFC3339),
		PID:            os.Getpid(),
		RunID:          ev.RunID,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// emit 依次通知观察者，每个观察者受 observerTimeout 约束；错误与 panic 都只记录。
// 终态事件由调用方传入脱离取消的 ctx。
func (r *run) emit(ctx context.Context, ev Event) {
	ev.RunID = r.id
	ev.Time = time.Now()
	ev.Elapsed = time.Since(r.start)
	for _, o := range r.observers {
		func() {
			octx, cancel := context.WithTimeout(ctx, r.observerTimeout)
			defer cancel()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Debug("observer panicked", zap.String("step", ev.Step), zap.Any("panic", rec))
				}
			}()
			if err := o.OnEvent(octx, ev); err != nil {
				r.logger.Debug("observer failed", zap.String("step", ev.Step), zap.Error(err))
			}
		}()
	}
}

func (r *run) progress(ctx context.Context, round int, phase, detail string) {
	r.emit(ctx, Event{
		Kind:   EventPhase,
		Step:   fmt.Sprintf("round%d_%s", round, phase),
		Status: StatusRunning,
		Detail: detail,
		Round:  round,
	})
}
