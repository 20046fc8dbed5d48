package run

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/John-Robertt/specpdf/internal/app/pool"
	"github.com/John-Robertt/specpdf/internal/app/result"
	"github.com/John-Robertt/specpdf/internal/config"
	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/discover"
	"github.com/John-Robertt/specpdf/internal/domain"
	"github.com/John-Robertt/specpdf/internal/infra/logx"
	"github.com/John-Robertt/specpdf/internal/queue"
)

// Execute 对 eff.SourceRoot 执行一次批量转换，并返回对外稳定的 RunReport。
//
// 状态：discovering -> queuing -> converting -> drained -> reported。
// 只有 discover 失败会作为 error 返回（此时报告停在 discovering）；单条失败全部进入报告。
// obs / log 可为 nil。
func Execute(ctx context.Context, eff config.EffectiveConfig, conv pool.Converter, obs Observer, log *zap.Logger) (domain.RunReport, error) {
	log = logx.OrNop(log)
	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Root:      eff.SourceRoot,
		OutRoot:   eff.OutRoot,
		Endpoint:  eff.Endpoint,
		StartedAt: time.Now().UTC(),
		State:     domain.StateDiscovering,
	}
	if obs != nil {
		obs.OnStart(eff)
	}

	discoverStarted := time.Now()
	found, err := discover.Discover(eff.SourceRoot, eff.OutRoot, discover.Options{ExcludeDirs: eff.ExcludeDirs})
	if err != nil {
		log.Error("discover 失败", zap.String("root", eff.SourceRoot), zap.Error(err))
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr, err
	}
	agg := result.New()
	agg.SetDiscovered(found.Scanned, found.Convertible, found.PreConverted)
	if obs != nil {
		obs.OnPhaseDone("discover", map[string]any{
			"scanned":       found.Scanned,
			"convertible":   found.Convertible,
			"pre_converted": len(found.PreConverted),
			"pending":       len(found.Pending),
		}, time.Since(discoverStarted))
	}

	// 全部入队后再启动 worker：单 worker 时完成顺序严格等于优先级顺序。
	rr.State = domain.StateQueuing
	queueStarted := time.Now()
	q := queue.New()
	for _, it := range found.Pending {
		if err := q.Push(it); err != nil {
			agg.Failed(it, convert.Result{Err: &convert.Error{Kind: domain.ErrKindIO, Err: fmt.Errorf("入队失败：%w", err)}})
		}
	}
	q.Close()
	total := q.Stats().Pushed
	if obs != nil {
		obs.OnPhaseDone("queue", map[string]any{"pushed": total}, time.Since(queueStarted))
	}

	rr.State = domain.StateConverting
	convertStarted := time.Now()
	var done int64
	p := &pool.Pool{
		Workers:   eff.Workers,
		Queue:     q,
		Converter: conv,
		Results:   agg,
		Logger:    log,
	}
	if obs != nil {
		p.OnItemDone = func(it domain.WorkItem, res convert.Result, dur time.Duration) {
			obs.OnItemDone(int(atomic.AddInt64(&done, 1)), total, it, res, dur)
		}
	}
	p.Run(ctx)
	q.Drain()
	rr.State = domain.StateDrained

	counts := agg.Counts()
	if obs != nil {
		obs.OnPhaseDone("convert", map[string]any{
			"workers":   max(eff.Workers, 1),
			"converted": counts.Converted,
			"failed":    counts.Failed,
		}, time.Since(convertStarted))
	}

	rr.FinishedAt = time.Now().UTC()
	rr = agg.Report(rr)
	rr.State = domain.StateReported
	if err := rr.Check(); err != nil {
		// 计数守恒被破坏属于实现 bug；只记录，不影响报告输出。
		log.Error("报告不一致", zap.Error(err))
	}
	log.Info("batch reported",
		zap.String("run_id", rr.RunID),
		zap.Int("pre_converted", rr.Summary.PreConverted),
		zap.Int("converted", rr.Summary.Converted),
		zap.Int("failed", rr.Summary.Failed),
	)
	return rr, nil
}
