package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/John-Robertt/specpdf/internal/app/run"
	"github.com/John-Robertt/specpdf/internal/config"
	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间无条目完成时也会定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	okStyle    lipgloss.Style
	failStyle  lipgloss.Style
	phaseStyle lipgloss.Style
	dimStyle   lipgloss.Style

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	// 按实际输出端检测颜色能力：写到非终端（测试/管道）时自动退化为纯文本。
	r := lipgloss.NewRenderer(w)
	return &progressUI{
		w:                  w,
		okStyle:            r.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950")),
		failStyle:          r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
		phaseStyle:         r.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")),
		dimStyle:           r.NewStyle().Foreground(lipgloss.Color("#AAAAAA")),
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
	p.workers = eff.Workers

	fmt.Fprintf(p.w, "[%s] %s\n", now.Format("15:04:05"), p.phaseStyle.Render("specpdf run"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  endpoint: %s\n", truncate(eff.Endpoint, 120))
	fmt.Fprintf(p.w, "  source: %s\n", eff.SourceRoot)
	fmt.Fprintf(p.w, "  out: %s\n", eff.OutRoot)
	fmt.Fprintf(p.w, "  workers: %d\n", eff.Workers)
	fmt.Fprintf(p.w, "  timeout: %s\n", eff.Timeout)
	fmt.Fprintf(p.w, "  exclude_dirs: %s\n", formatStringListJSON(eff.ExcludeDirs))
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := p.phaseStyle.Render
	switch name {
	case "fetch":
		fmt.Fprintf(p.w, "%s: dirs=%d files=%d downloaded=%d skipped=%d (%s)\n", label("下载"),
			intField(fields, "dirs"), intField(fields, "files"), intField(fields, "downloaded"), intField(fields, "skipped"),
			formatShortDuration(dur),
		)
	case "unzip":
		fmt.Fprintf(p.w, "%s: archives=%d extracted=%d bad=%d (%s)\n", label("解压"),
			intField(fields, "archives"), intField(fields, "extracted"), intField(fields, "bad"), formatShortDuration(dur),
		)
	case "discover":
		fmt.Fprintf(p.w, "%s: scanned=%d convertible=%d pre_converted=%d pending=%d (%s)\n", label("发现"),
			intField(fields, "scanned"), intField(fields, "convertible"), intField(fields, "pre_converted"), intField(fields, "pending"),
			formatShortDuration(dur),
		)
	case "queue":
		p.total = intField(fields, "pushed")
		fmt.Fprintf(p.w, "%s: pushed=%d workers=%d\n\n", label("入队"), p.total, p.workers)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "convert":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n%s: converted=%d failed=%d (%s)\n", label("转换"),
			intField(fields, "converted"), intField(fields, "failed"), formatShortDuration(dur),
		)
	case "publish":
		fmt.Fprintf(p.w, "%s: uploaded=%d failed=%d (%s)\n", label("上传"),
			intField(fields, "uploaded"), intField(fields, "failed"), formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(idx, total int, it domain.WorkItem, res convert.Result, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	p.total = total

	if res.OK() {
		p.ok++
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s (%s)\n",
			idx, total, p.okStyle.Render("OK"), it.SourcePath, p.dimStyle.Render(formatBytes(res.Bytes)), formatShortDuration(dur),
		)
	} else {
		p.fail++
		detail := res.Err.Kind
		if res.Err.StatusCode != 0 {
			detail = fmt.Sprintf("%s %d", detail, res.Err.StatusCode)
		}
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s (%s)\n",
			idx, total, p.failStyle.Render("FAIL"), it.SourcePath, detail, truncate(res.Err.Error(), 160), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) printProgressLocked(done, total, ok, fail, active int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "%s done=%d/%d ok=%d fail=%d active=%d elapsed=%s\n",
		p.dimStyle.Render("进度:"), done, total, ok, fail, active, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold && p.done < p.total {
					active := p.workers
					if remain := p.total - p.done; remain < active {
						active = remain
					}
					p.printProgressLocked(p.done, p.total, p.ok, p.fail, active, time.Since(p.startedAt))
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// truncate 按字节上限截断，切点回退到字符边界，结果始终是合法 UTF-8。
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	suffix := "..."
	if limit <= len(suffix) {
		suffix = ""
	}
	cut := limit - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}
