// Package ledger 把每次运行与每轮验证证据写入数据库（sqlite / postgres / mysql），
// 作为 race.Observer 挂在流水线上。
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/raceflow/config"
	"github.com/BaSui01/raceflow/internal/database"
	"github.com/BaSui01/raceflow/race"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	writeRetries = 3
	// 终态写入脱离运行上下文后的上限
	finishTimeout = 10 * time.Second
)

// RunRecord 一次运行
type RunRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Scene      string `gorm:"size:32;index"`
	Goal       string `gorm:"type:text"`
	Target     string `gorm:"size:1024"`
	Racers     string `gorm:"size:1024"` // 逗号分隔
	Judge      string `gorm:"size:128"`
	Adversary  string `gorm:"size:128"`
	Status     string `gorm:"size:16;index"`
	StopReason string `gorm:"size:32"`
	Rounds     int
	FinalScore *float64
	Accepted   bool
	Source     string `gorm:"size:32"` // 最终产物来源，见 race.FinalSource
	FinalPath  string `gorm:"size:1024"`
	ReportPath string `gorm:"size:1024"`
	OutputDir  string `gorm:"size:1024"`
	Error      string `gorm:"type:text"`
	DurationMS int64
	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (RunRecord) TableName() string { return "race_runs" }

// RoundRecord 一轮验证证据
type RoundRecord struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"size:36;index:idx_run_round,unique"`
	Round        int    `gorm:"index:idx_run_round,unique"`
	TestsPassed  *bool
	Score        *float64
	Variance     *float64
	HighVariance bool
	Accepted     bool
	LengthChange string `gorm:"size:32"`
	Evidence     string `gorm:"type:text"` // verification.json 同款 JSON
	CreatedAt    time.Time
}

func (RoundRecord) TableName() string { return "race_rounds" }

// Ledger 运行记录存储
type Ledger struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

var _ race.Observer = (*Ledger)(nil)

// Open 按配置连接数据库并迁移表结构
func Open(cfg config.LedgerConfig, logger *zap.Logger) (*Ledger, error) {
	pool, err := database.Open(cfg.Driver, cfg.DSN, database.PoolConfig{
		MaxIdleConns:    cfg.MaxIdleConns,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	l, err := New(pool, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return l, nil
}

// New 在已有连接池上创建 Ledger
func New(pool *database.PoolManager, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&RunRecord{}, &RoundRecord{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{pool: pool, logger: logger.With(zap.String("component", "ledger"))}, nil
}

// OnEvent 实现 race.Observer
func (l *Ledger) OnEvent(ctx context.Context, ev race.Event) error {
	switch ev.Kind {
	case race.EventRunStarted:
		return l.runStarted(ctx, ev)
	case race.EventRoundFinished:
		return l.roundFinished(ctx, ev)
	case race.EventRunFinished:
		return l.runFinished(ctx, ev)
	}
	return nil
}

func (l *Ledger) runStarted(ctx context.Context, ev race.Event) error {
	rec := RunRecord{
		ID:        ev.RunID,
		Status:    race.StatusRunning,
		StartedAt: ev.Time.Add(-ev.Elapsed),
	}
	if c := ev.Config; c != nil {
		rec.Scene = c.Scene
		rec.Goal = c.Goal
		rec.Target = c.Target
		rec.Racers = strings.Join(c.Racers, ",")
		rec.Judge = c.Judge
		rec.Adversary = c.Adversary
		rec.OutputDir = c.OutputDir
	}
	return l.pool.WithTransactionRetry(ctx, writeRetries, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
}

func (l *Ledger) roundFinished(ctx context.Context, ev race.Event) error {
	e := ev.Evidence
	if e == nil {
		return errors.New("round event without evidence")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	rec := RoundRecord{
		RunID:        ev.RunID,
		Round:        e.Round,
		Accepted:     e.Accepted,
		LengthChange: e.Comparison.LengthChange,
		Evidence:     string(data),
	}
	if e.Tests != nil {
		passed := e.Tests.Passed
		rec.TestsPassed = &passed
	}
	if s := e.Score; s != nil {
		median, variance := s.Median, s.Variance
		rec.Score, rec.Variance = &median, &variance
		rec.HighVariance = s.HighVariance
	}
	return l.pool.WithTransactionRetry(ctx, writeRetries, func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Model(&RunRecord{}).Where("id = ?", ev.RunID).
			Update("rounds", gorm.Expr("rounds + 1")).Error
	})
}

func (l *Ledger) runFinished(ctx context.Context, ev race.Event) error {
	res := ev.Result
	if res == nil {
		return errors.New("finish event without result")
	}
	finished := ev.Time
	updates := map[string]any{
		"status":      ev.Status,
		"scene":       res.Scene,
		"racers":      strings.Join(res.Racers, ","),
		"stop_reason": string(res.StopReason),
		"accepted":    res.Accepted,
		"source":      string(res.Source),
		"final_path":  res.FinalPath,
		"report_path": res.ReportPath,
		"duration_ms": res.Elapsed.Milliseconds(),
		"finished_at": &finished,
	}
	if ev.Status == race.StatusFailed {
		updates["error"] = ev.Detail
	}
	if score, ok := res.LastScore(); ok {
		updates["final_score"] = score
	}
	// 未进入 Verify 的轮没有轮次记录，以实际轮数为准
	if res.Rounds > 0 {
		updates["rounds"] = res.Rounds
	}
	// 运行被取消时也要落下终态，否则记录永远停在 running
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return l.pool.WithTransactionRetry(ctx, writeRetries, func(tx *gorm.DB) error {
		return tx.Model(&RunRecord{}).Where("id = ?", ev.RunID).Updates(updates).Error
	})
}

// Ping 检查数据库连接
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Runs 按开始时间倒序返回最近的运行
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RunRecord
	err := l.pool.DB().WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Run 按 ID 查询
func (l *Ledger) Run(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	if err := l.pool.DB().WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Rounds 返回一次运行的全部轮次
func (l *Ledger) Rounds(ctx context.Context, runID string) ([]RoundRecord, error) {
	var out []RoundRecord
	err := l.pool.DB().WithContext(ctx).Where("run_id = ?", runID).Order("round ASC").Find(&out).Error
	return out, err
}

// Close 关闭连接
func (l *Ledger) Close() error {
	return l.pool.Close()
}
