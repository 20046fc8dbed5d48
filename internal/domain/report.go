package domain

import (
	"fmt"
	"sort"
	"time"
)

// 单条转换失败的分类（error_kind）。
const (
	ErrKindTimeout   = "timeout"
	ErrKindTransport = "transport"
	ErrKindService   = "service"
	ErrKindIO        = "io"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
type RunReport struct {
	RunID    string `json:"run_id"`
	Root     string `json:"root"`
	OutRoot  string `json:"out_root"`
	Endpoint string `json:"endpoint"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	State State `json:"state"`

	Summary ReportSummary `json:"summary"`

	PreConverted []string     `json:"pre_converted"`
	Converted    []string     `json:"converted"`
	Failed       []FailedItem `json:"failed"`

	// Stages 只在对应阶段实际执行时出现（fetch/unzip/publish）。
	Stages []StageSummary `json:"stages,omitempty"`
}

type ReportSummary struct {
	Scanned      int `json:"scanned"`
	Convertible  int `json:"convertible"`
	PreConverted int `json:"pre_converted"`
	Converted    int `json:"converted"`
	Failed       int `json:"failed"`
}

type FailedItem struct {
	Src        string `json:"src"`
	Dst        string `json:"dst"`
	ErrorKind  string `json:"error_kind"`
	ErrorMsg   string `json:"error_msg"`
	StatusCode int    `json:"status_code,omitempty"`
}

// StageSummary 是外围阶段（非核心调度）的简要统计。
type StageSummary struct {
	Name     string         `json:"name"`
	Fields   map[string]int `json:"fields"`
	Errors   []string       `json:"errors,omitempty"`
	Duration string         `json:"duration"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) 三个结果列表按路径字典序稳定排序；nil 统一为空切片（JSON 输出 [] 而不是 null）
// 3) summary 中的三类计数由列表计算得出（scanned/convertible 由 discover 写入，不在这里推导）
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.PreConverted == nil {
		r.PreConverted = []string{}
	}
	if r.Converted == nil {
		r.Converted = []string{}
	}
	if r.Failed == nil {
		r.Failed = []FailedItem{}
	}

	sort.Strings(r.PreConverted)
	sort.Strings(r.Converted)
	sort.SliceStable(r.Failed, func(i, j int) bool { return r.Failed[i].Src < r.Failed[j].Src })

	r.Summary.PreConverted = len(r.PreConverted)
	r.Summary.Converted = len(r.Converted)
	r.Summary.Failed = len(r.Failed)
}

// FailedPaths 返回失败源文件路径的字面列表（保持 Failed 的顺序）。
func (r RunReport) FailedPaths() []string {
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Src)
	}
	return out
}

// Check 校验结果集的守恒与互斥：
// pre + converted + failed == convertible，且三者两两不相交。
func (r RunReport) Check() error {
	seen := make(map[string]string, r.Summary.Convertible)
	add := func(set, p string) error {
		if prev, ok := seen[p]; ok {
			return fmt.Errorf("结果集不互斥：%q 同时出现在 %s 与 %s", p, prev, set)
		}
		seen[p] = set
		return nil
	}
	for _, p := range r.PreConverted {
		if err := add("pre_converted", p); err != nil {
			return err
		}
	}
	for _, p := range r.Converted {
		if err := add("converted", p); err != nil {
			return err
		}
	}
	for _, f := range r.Failed {
		if err := add("failed", f.Src); err != nil {
			return err
		}
	}
	if len(seen) != r.Summary.Convertible {
		return fmt.Errorf("结果集不守恒：pre=%d converted=%d failed=%d，但 convertible=%d",
			len(r.PreConverted), len(r.Converted), len(r.Failed), r.Summary.Convertible)
	}
	return nil
}
