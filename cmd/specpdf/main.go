package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/John-Robertt/specpdf/internal/app/run"
	"github.com/John-Robertt/specpdf/internal/config"
	"github.com/John-Robertt/specpdf/internal/convert"
	"github.com/John-Robertt/specpdf/internal/discover"
	"github.com/John-Robertt/specpdf/internal/domain"
	"github.com/John-Robertt/specpdf/internal/fetch"
	"github.com/John-Robertt/specpdf/internal/infra/fsx"
	"github.com/John-Robertt/specpdf/internal/infra/httpx"
	"github.com/John-Robertt/specpdf/internal/infra/logx"
	"github.com/John-Robertt/specpdf/internal/publish"
	"github.com/John-Robertt/specpdf/internal/unzip"
)

const reportFileName = "report.json"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	ra, err := parseRunArgs(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n", err)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, ra.CLIArgs)
	if err != nil {
		emitReport(reportForError("config", config.Code(err), err), nil)
		return 1
	}

	progressW, interactive := pickProgressWriter()
	log := logx.New(os.Stderr, ra.Debug)
	if interactive && !ra.Debug {
		// 交互终端下逐条结果由进度输出展示，日志只保留 warn 以上。
		log = log.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	defer func() { _ = log.Sync() }()

	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var stages []domain.StageSummary

	if eff.RunFetch {
		st, err := fetchStage(ctx, eff, log, obs)
		stages = append(stages, st)
		if err != nil {
			log.Error("下载失败", zap.Error(err))
			rr := reportForError("fetch", "fetch_failed", err)
			rr.Stages = stages
			emitReport(rr, nil)
			return 1
		}
	}

	if eff.RunUnzip {
		st, err := unzipStage(eff, log, obs)
		stages = append(stages, st)
		if err != nil {
			log.Error("解压失败", zap.Error(err))
			rr := reportForError("unzip", "unzip_failed", err)
			rr.Stages = stages
			emitReport(rr, nil)
			return 1
		}
	}

	var rr domain.RunReport
	if eff.RunConvert {
		rr, err = run.Execute(ctx, eff, convert.New(eff.Endpoint, eff.Timeout), obs, log)
		if err != nil {
			fatal := reportForError("discover", "discovery_failed", err)
			rr.Stages = append(stages, fatal.Stages...)
			emitReport(rr, nil)
			return 1
		}
	} else {
		// 跳过转换：报告只包含外围阶段。
		now := time.Now().UTC()
		rr = domain.RunReport{Root: eff.SourceRoot, OutRoot: eff.OutRoot, StartedAt: now, FinishedAt: now}
		rr.Finalize()
	}

	if eff.RunPublish {
		stages = append(stages, publishStage(ctx, eff, rr, log, obs))
	}
	rr.Stages = stages

	if err := writeReportFile(eff.OutRoot, rr); err != nil {
		fmt.Fprintf(os.Stderr, "写入 %s 失败：%v\n", reportFileName, err)
		emitReport(rr, nil)
		return 1
	}

	emitReport(rr, progressW)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Summary.Failed == 0 && !stagesFailed(stages) {
		return 0
	}
	return 1
}

func fetchStage(ctx context.Context, eff config.EffectiveConfig, log *zap.Logger, obs run.Observer) (domain.StageSummary, error) {
	started := time.Now()
	fs := eff.Fetch

	var src fetch.Source
	switch fs.Protocol {
	case "http":
		c, err := httpx.NewFetchClient(fs.ProxyURL)
		if err != nil {
			return stageSummary("fetch", nil, []string{err.Error()}, time.Since(started)), err
		}
		hs, err := fetch.NewHTTPIndexSource(fs.BaseURL, c, fs.RatePerS)
		if err != nil {
			return stageSummary("fetch", nil, []string{err.Error()}, time.Since(started)), err
		}
		src = hs
	default:
		src = fetch.NewFTPSource(fs.Host, fs.User, fs.Password)
	}
	defer src.Close()

	log.Info("fetch", zap.String("protocol", fs.Protocol), zap.String("remote", fs.RemoteDir), zap.String("local", eff.SourceRoot))
	st, err := fetch.Mirror(ctx, src, fs.RemoteDir, eff.SourceRoot, fetch.Options{Workers: fs.Workers, Logger: log})
	fields := map[string]int{
		"dirs":       st.Dirs,
		"files":      st.Files,
		"downloaded": st.Downloaded,
		"skipped":    st.Skipped,
	}
	var errs []string
	if err != nil {
		errs = append(errs, err.Error())
	}
	dur := time.Since(started)
	if obs != nil {
		obs.OnPhaseDone("fetch", anyFields(fields), dur)
	}
	return stageSummary("fetch", fields, errs, dur), err
}

func unzipStage(eff config.EffectiveConfig, log *zap.Logger, obs run.Observer) (domain.StageSummary, error) {
	started := time.Now()
	st, err := unzip.ExtractAll(eff.SourceRoot, log)
	fields := map[string]int{
		"archives":  st.Archives,
		"extracted": st.Extracted,
		"bad":       len(st.Bad),
	}
	errs := append([]string(nil), st.Bad...)
	if err != nil {
		errs = append(errs, err.Error())
	}
	dur := time.Since(started)
	if obs != nil {
		obs.OnPhaseDone("unzip", anyFields(fields), dur)
	}
	// 损坏的压缩包只记录，不算阶段失败（见 stagesFailed）。
	return stageSummary("unzip", fields, errs, dur), err
}

func publishStage(ctx context.Context, eff config.EffectiveConfig, rr domain.RunReport, log *zap.Logger, obs run.Observer) domain.StageSummary {
	started := time.Now()
	ps := eff.Publish

	paths := make([]string, 0, len(rr.Converted))
	for _, src := range rr.Converted {
		dst, err := discover.DestPath(eff.SourceRoot, eff.OutRoot, src)
		if err == nil {
			paths = append(paths, dst)
		}
	}

	fields := map[string]int{"uploaded": 0, "failed": 0}
	var errs []string
	p, err := publish.New(publish.Config{
		Endpoint:  ps.Endpoint,
		Region:    ps.Region,
		AccessKey: ps.AccessKey,
		SecretKey: ps.SecretKey,
		Bucket:    ps.Bucket,
		Prefix:    ps.Prefix,
		UseSSL:    ps.UseSSL,
	}, log)
	if err == nil {
		var st publish.Stats
		st, err = p.Publish(ctx, eff.OutRoot, paths)
		fields["uploaded"] = st.Uploaded
		fields["failed"] = len(st.Failed)
		errs = append(errs, st.Failed...)
	}
	if err != nil {
		log.Error("上传失败", zap.Error(err))
		fields["failed"] = len(paths)
		errs = append(errs, err.Error())
	}

	dur := time.Since(started)
	if obs != nil {
		obs.OnPhaseDone("publish", anyFields(fields), dur)
	}
	return stageSummary("publish", fields, errs, dur)
}

func stageSummary(name string, fields map[string]int, errs []string, dur time.Duration) domain.StageSummary {
	if fields == nil {
		fields = map[string]int{}
	}
	return domain.StageSummary{Name: name, Fields: fields, Errors: errs, Duration: dur.Round(time.Millisecond).String()}
}

// stagesFailed：unzip 的 bad 压缩包不算失败；其余阶段有错误即失败。
func stagesFailed(stages []domain.StageSummary) bool {
	for _, s := range stages {
		if s.Name == "unzip" {
			continue
		}
		if len(s.Errors) > 0 {
			return true
		}
	}
	return false
}

func anyFields(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type runArgs struct {
	config.CLIArgs
	Debug bool
}

// parseRunArgs 用 flag.FlagSet 解析参数；“是否显式指定”通过 Visit 得到。
func parseRunArgs(args []string) (runArgs, error) {
	var ra runArgs
	fs := flag.NewFlagSet("specpdf run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	fs.StringVar(&ra.ConfigPath, "config", "", "")
	fs.StringVar(&ra.Endpoint, "endpoint", "", "")
	fs.StringVar(&ra.Release, "release", "", "")
	fs.IntVar(&ra.Workers, "workers", 0, "")
	fs.DurationVar(&ra.Timeout, "timeout", 0, "")
	fs.BoolVar(&ra.SkipFetch, "skip-fetch", false, "")
	fs.BoolVar(&ra.SkipUnzip, "skip-unzip", false, "")
	fs.BoolVar(&ra.SkipConvert, "skip-convert", false, "")
	fs.BoolVar(&ra.Publish, "publish", false, "")
	fs.BoolVar(&ra.Debug, "debug", false, "")

	// 兼容原脚本的短参数：-g <gotenberg> / -v <release>
	fs.StringVar(&ra.Endpoint, "g", "", "")
	fs.StringVar(&ra.Release, "v", "", "")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printRunUsage(os.Stdout)
		}
		return runArgs{}, err
	}
	if fs.NArg() > 0 {
		return runArgs{}, fmt.Errorf("未知参数 %q", fs.Arg(0))
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint", "g":
			ra.EndpointSet = true
		case "release", "v":
			ra.ReleaseSet = true
		case "workers":
			ra.WorkersSet = true
		case "timeout":
			ra.TimeoutSet = true
		}
	})
	return ra, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  specpdf run [--endpoint URL] [--release N] [--workers N] [--timeout D] [--config FILE]
              [--skip-fetch] [--skip-unzip] [--skip-convert] [--publish] [--debug]

命令：
  run    下载 -> 解压 -> 转换为 PDF -> （可选）上传

使用 "specpdf run --help" 查看详细说明。
`)
}

func printRunUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  specpdf run [flags]

参数：
  --endpoint, -g  Gotenberg 地址（也可用 SPECPDF_ENDPOINT 或配置 endpoint）
  --release, -v   规格版本号，例如 18（决定默认的下载目录与远端目录）
  --workers       并发转换数（默认 4，范围 1..32）
  --timeout       单个文件的转换超时（默认 10s）
  --config        配置文件路径（默认读取 ./specpdf.yaml，可选）
  --skip-fetch    跳过下载
  --skip-unzip    跳过解压
  --skip-convert  跳过转换
  --publish       转换后上传到 S3 兼容存储（需配置 publish.*）
  --debug         输出 debug 日志
  -h, --help      显示帮助
`)
}

// emitReport：stdout 非 TTY 时必须且仅输出一个 RunReport JSON；摘要与失败列表走 stderr。
func emitReport(rr domain.RunReport, summaryW io.Writer) {
	if summaryW == nil {
		summaryW = os.Stderr
	}
	if !isTTY(os.Stdout) {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(rr)
	}
	fmt.Fprintf(summaryW, "完成：pre_converted=%d converted=%d failed=%d\n",
		rr.Summary.PreConverted, rr.Summary.Converted, rr.Summary.Failed,
	)
	for _, f := range rr.Failed {
		fmt.Fprintf(summaryW, "%s %s: %s\n", f.Src, f.ErrorKind, truncate(f.ErrorMsg, 200))
	}
	for _, s := range rr.Stages {
		for _, e := range s.Errors {
			fmt.Fprintf(summaryW, "%s: %s\n", s.Name, e)
		}
	}
}

// reportForError 为致命错误（配置/下载/解压/发现）构造一份最小报告。
func reportForError(stage, code string, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		StartedAt:  now,
		FinishedAt: now,
		State:      domain.StateDiscovering,
		Stages: []domain.StageSummary{{
			Name:     stage,
			Fields:   map[string]int{},
			Errors:   []string{fmt.Sprintf("%s: %v", code, err)},
			Duration: "0s",
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(outRoot string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := fsx.EnsureDir(outRoot); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(outRoot, reportFileName, b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.OutRoot, reportFileName))
	fmt.Fprintf(w, "out: %s\n", eff.OutRoot)
}
