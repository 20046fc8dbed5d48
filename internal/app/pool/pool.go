package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/specpdf/internal/app/result"
	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/domain"
	"github.com/John-Robertt/specpdf/internal/infra/logx"
	"github.com/John-Robertt/specpdf/internal/queue"
)

// Converter 是 worker 依赖的最小转换接口（*convert.Client 实现了它；测试用 stub）。
type Converter interface {
	Convert(ctx context.Context, src, dst string) convert.Result
}

// Pool 是 N 个同构 worker：Pop -> Convert -> 记录结果 -> Ack。
//
// 约束：
// - worker 之间只通过 Queue 与 Aggregator 共享状态
// - 单条失败完全在 worker 内消化，不会让 Run 返回错误
// - Ack 永远是每条的最后一步（defer），包括 Converter panic 的情况
type Pool struct {
	Workers   int
	Queue     *queue.Queue
	Converter Converter
	Results   *result.Aggregator
	Logger    *zap.Logger

	// OnItemDone 可选；在记录结果之后、Ack 之前调用（可能来自多个 goroutine）。
	OnItemDone func(it domain.WorkItem, res convert.Result, dur time.Duration)
}

// Run 启动 worker 并阻塞到所有 worker 退出（队列关闭且取空）。
// 池本身不限制总时长，只限制并发数。
func (p *Pool) Run(ctx context.Context) {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	log := logx.OrNop(p.Logger)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, log.With(zap.Int("worker", id)))
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, log *zap.Logger) {
	for {
		it, ok := p.Queue.Pop()
		if !ok {
			return
		}
		p.handle(ctx, log, it)
	}
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, it domain.WorkItem) {
	defer func() {
		if err := p.Queue.Ack(it); err != nil {
			log.Error("ack 失败", zap.String("src", it.SourcePath), zap.Error(err))
		}
	}()

	started := time.Now()
	res := p.convert(ctx, it)
	dur := time.Since(started)

	if res.OK() {
		p.Results.Converted(it)
		log.Info("converted",
			zap.String("src", it.SourcePath),
			zap.String("dst", it.DestPath),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("took", dur),
		)
	} else {
		p.Results.Failed(it, res)
		fields := []zap.Field{
			zap.String("src", it.SourcePath),
			zap.String("kind", res.Err.Kind),
			zap.Duration("took", dur),
		}
		if res.Err.StatusCode != 0 {
			fields = append(fields, zap.Int("status", res.Err.StatusCode))
		}
		log.Warn("convert failed", append(fields, zap.Error(res.Err))...)
	}

	if p.OnItemDone != nil {
		p.OnItemDone(it, res, dur)
	}
}

// convert 把 Converter 的 panic 降级为 io 失败，保证 worker 不会崩溃退出。
func (p *Pool) convert(ctx context.Context, it domain.WorkItem) (res convert.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = convert.Result{Err: &convert.Error{Kind: domain.ErrKindIO, Err: fmt.Errorf("converter panic: %v", r)}}
		}
	}()
	res = p.Converter.Convert(ctx, it.SourcePath, it.DestPath)
	if !res.OK() && res.Err.Kind == "" {
		res.Err.Kind = domain.ErrKindIO
	}
	return res
}
