package result

import (
	"sync"

	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/domain"
)

// Aggregator 并发安全地累积一次 run 的三类结果。
//
// pre_converted 由 discover 一次性写入；converted/failed 由多个 worker 并发追加。
type Aggregator struct {
	mu sync.Mutex

	scanned     int
	convertible int

	preConverted []string
	converted    []string
	failed       []domain.FailedItem
}

// Counts 是当前快照计数。
type Counts struct {
	PreConverted int
	Converted    int
	Failed       int
}

func New() *Aggregator { return &Aggregator{} }

// SetDiscovered 记录 discover 阶段的统计与已转换列表。
func (a *Aggregator) SetDiscovered(scanned, convertible int, preConverted []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanned = scanned
	a.convertible = convertible
	a.preConverted = append([]string(nil), preConverted...)
}

func (a *Aggregator) Converted(it domain.WorkItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.converted = append(a.converted, it.SourcePath)
}

func (a *Aggregator) Failed(it domain.WorkItem, res convert.Result) {
	fi := domain.FailedItem{Src: it.SourcePath, Dst: it.DestPath, ErrorKind: domain.ErrKindIO}
	if res.Err != nil {
		fi.ErrorKind = res.Err.Kind
		fi.ErrorMsg = res.Err.Error()
		fi.StatusCode = res.Err.StatusCode
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, fi)
}

func (a *Aggregator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Counts{
		PreConverted: len(a.preConverted),
		Converted:    len(a.converted),
		Failed:       len(a.failed),
	}
}

// Report 把累积结果填入 base（保留 base 的元信息字段）并 Finalize。
// 只应在队列 Drain 之后调用。
func (a *Aggregator) Report(base domain.RunReport) domain.RunReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := base
	r.Summary.Scanned = a.scanned
	r.Summary.Convertible = a.convertible
	r.PreConverted = append([]string(nil), a.preConverted...)
	r.Converted = append([]string(nil), a.converted...)
	r.Failed = append([]domain.FailedItem(nil), a.failed...)
	r.Finalize()
	return r
}
