package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/John-Robertt/specpdf/internal/domain"
)

var (
	// ErrClosed 表示 Close 之后仍尝试 Push。
	ErrClosed = errors.New("queue: closed")
	// ErrDuplicate 表示同一 DestPath 在本次 run 中被重复入队。
	ErrDuplicate = errors.New("queue: duplicate destination")
	// ErrNotInFlight 表示 Ack 了一个未出队或已确认过的条目。
	ErrNotInFlight = errors.New("queue: item not in flight")
)

// Queue 是按 Priority 升序出队的并发安全工作队列，并提供“排空屏障”（Drain）。
//
// 约束：
// - 一把 mutex 保护整个 heap：即使多个 worker 并发 Pop，每次 Pop 拿到的也是当刻最小项
// - 同 Priority 按入队顺序出队
// - 每个出队条目必须恰好 Ack 一次（成功/失败都一样）
// - Drain 只在 Close 之后、且全部入队条目都已出队并 Ack 时返回
type Queue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond // Pop 等待：有条目或已关闭
	drained  *sync.Cond // Drain 等待：已关闭且全部 Ack

	items    itemHeap
	seq      uint64
	closed   bool
	known    map[string]struct{} // 本次 run 入队过的 DestPath
	inFlight map[string]struct{} // 已出队未 Ack

	pushed int
	popped int
	acked  int
}

// Stats 是队列计数快照。
type Stats struct {
	Pushed   int
	Popped   int
	Acked    int
	Pending  int
	InFlight int
	Closed   bool
}

func New() *Queue {
	q := &Queue{
		known:    make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
	}
	q.nonEmpty = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Push 非阻塞入队。
func (q *Queue) Push(it domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.known[it.DestPath]; ok {
		return ErrDuplicate
	}
	q.known[it.DestPath] = struct{}{}

	heap.Push(&q.items, entry{item: it, seq: q.seq})
	q.seq++
	q.pushed++

	q.nonEmpty.Signal()
	return nil
}

// Close 声明不会再有新条目；阻塞在 Pop 上的 worker 会被唤醒。重复调用无副作用。
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.nonEmpty.Broadcast()
	if q.drainedLocked() {
		q.drained.Broadcast()
	}
}

// Pop 取出当前 Priority 最小的条目。
// 队列为空且未关闭时阻塞；关闭且为空时返回 ok=false（永远不会再有条目）。
func (q *Queue) Pop() (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.nonEmpty.Wait()
	}
	if q.items.Len() == 0 {
		return domain.WorkItem{}, false
	}

	e := heap.Pop(&q.items).(entry)
	q.inFlight[e.item.DestPath] = struct{}{}
	q.popped++
	return e.item, true
}

// Ack 标记一个已出队条目处理完毕。
func (q *Queue) Ack(it domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[it.DestPath]; !ok {
		return ErrNotInFlight
	}
	delete(q.inFlight, it.DestPath)
	q.acked++

	if q.drainedLocked() {
		q.drained.Broadcast()
	}
	return nil
}

// Drain 阻塞直到队列关闭且全部条目都已出队并 Ack。
func (q *Queue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.drainedLocked() {
		q.drained.Wait()
	}
}

func (q *Queue) drainedLocked() bool {
	return q.closed && q.items.Len() == 0 && len(q.inFlight) == 0
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pushed:   q.pushed,
		Popped:   q.popped,
		Acked:    q.acked,
		Pending:  q.items.Len(),
		InFlight: len(q.inFlight),
		Closed:   q.closed,
	}
}

type entry struct {
	item domain.WorkItem
	seq  uint64
}

// itemHeap 实现 heap.Interface：Priority 升序，同值按 seq 升序。
type itemHeap []entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
