package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/specpdf/internal/domain"
)

func TestCLI_NoTTY_StdoutOnlyRunReportJSON(t *testing.T) {
	// 这个测试锁定对外契约：stdout 非 TTY 时只能输出一个 RunReport JSON（进度/日志必须走 stderr）。
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("files")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, f)
		_ = f.Close()
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	base := t.TempDir()
	src := filepath.Join(base, "downloads", "18")
	out := filepath.Join(base, "pdfs")
	in := filepath.Join(src, "21_series", "21905-i10", "21905-i10.doc")
	if err := os.MkdirAll(filepath.Dir(in), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(in, []byte("doc"), 0o644); err != nil {
		t.Fatalf("写入文档失败：%v", err)
	}
	cfgPath := filepath.Join(base, "specpdf.yaml")
	cfg := "source_root: " + src + "\nout_root: " + out + "\nworkers: 2\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("写入配置失败：%v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("读取 cwd 失败：%v", err)
	}
	repoRoot := filepath.Clean(filepath.Join(wd, "..", ".."))

	cmd := exec.Command("go", "run", "./cmd/specpdf", "run", "--config", cfgPath, "--skip-fetch", "--skip-unzip")
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), "SPECPDF_ENDPOINT="+srv.URL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("命令执行失败：%v\nstderr=%s\nstdout=%s", err, stderr.String(), stdout.String())
	}

	// stdout 必须是单个 JSON。
	var rr domain.RunReport
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	if err := dec.Decode(&rr); err != nil {
		t.Fatalf("stdout 不是合法的 RunReport JSON：%v\nstdout=%q", err, stdout.String())
	}
	if dec.More() {
		t.Fatalf("stdout 只能包含一个 JSON：%q", stdout.String())
	}
	if rr.State != domain.StateReported || rr.Summary.Converted != 1 {
		t.Fatalf("报告不符合预期：%+v", rr)
	}

	if _, err := os.Stat(filepath.Join(out, "21_series", "21905-i10", "21905-i10.doc.pdf")); err != nil {
		t.Fatalf("期望生成 PDF：%v", err)
	}
	b, err := os.ReadFile(filepath.Join(out, reportFileName))
	if err != nil {
		t.Fatalf("期望写入 report.json：%v", err)
	}
	var onDisk domain.RunReport
	if err := json.Unmarshal(b, &onDisk); err != nil || onDisk.RunID != rr.RunID {
		t.Fatalf("report.json 与 stdout 不一致：err=%v run_id=%q vs %q", err, onDisk.RunID, rr.RunID)
	}

	// stderr 至少应包含最终摘要行。
	if !strings.Contains(stderr.String(), "完成：pre_converted=0 converted=1 failed=0") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}
}
