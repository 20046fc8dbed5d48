package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReport_Finalize_SortAndSummaryAndUTC(t *testing.T) {
	r := RunReport{
		StartedAt:    time.Date(2026, 2, 9, 10, 0, 0, 0, time.FixedZone("X", 8*3600)),
		FinishedAt:   time.Date(2026, 2, 9, 10, 0, 1, 0, time.FixedZone("X", 8*3600)),
		Summary:      ReportSummary{Scanned: 9, Convertible: 4},
		PreConverted: []string{"b.doc"},
		Converted:    []string{"d.doc", "a.doc"},
		Failed:       []FailedItem{{Src: "c.doc", ErrorKind: ErrKindTimeout}},
	}

	r.Finalize()

	require.Equal(t, []string{"a.doc", "d.doc"}, r.Converted, "converted 未排序")
	require.Equal(t, ReportSummary{Scanned: 9, Convertible: 4, PreConverted: 1, Converted: 2, Failed: 1}, r.Summary)
	require.NoError(t, r.Check())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	// time.Time 在 UTC 下应输出 'Z' 后缀。
	require.Contains(t, string(b), `"started_at":"2026-02-09T02:00:00Z"`)
}

func TestRunReport_Finalize_NilListsBecomeEmpty(t *testing.T) {
	var r RunReport
	r.Finalize()

	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.Contains(t, string(b), `"pre_converted":[]`)
	require.Contains(t, string(b), `"failed":[]`)
}

func TestRunReport_Check_DetectsOverlapAndLoss(t *testing.T) {
	r := RunReport{
		Summary:   ReportSummary{Convertible: 2},
		Converted: []string{"a.doc"},
		Failed:    []FailedItem{{Src: "a.doc"}},
	}
	require.Error(t, r.Check(), "同一路径出现在两个集合时必须报错")

	r = RunReport{
		Summary:   ReportSummary{Convertible: 3},
		Converted: []string{"a.doc"},
		Failed:    []FailedItem{{Src: "b.doc"}},
	}
	require.Error(t, r.Check(), "丢失条目时必须报错")
}

func TestRunReport_FailedPaths(t *testing.T) {
	r := RunReport{Failed: []FailedItem{{Src: "x/a.doc"}, {Src: "x/b.doc"}}}
	require.Equal(t, []string{"x/a.doc", "x/b.doc"}, r.FailedPaths())
}
