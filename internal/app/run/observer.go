package run

import (
	"time"

	"github.com/John-Robertt/specpdf/internal/config"
	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：OnItemDone 可能来自多个 worker goroutine。
type Observer interface {
	// OnStart 在 Execute 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束时调用（discover/queue/convert；CLI 另外为 fetch/unzip/publish 调用）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某个文件转换结束时调用；idx 是完成序号（从 1 开始），不是队列顺序。
	OnItemDone(idx, total int, it domain.WorkItem, res convert.Result, dur time.Duration)
}
