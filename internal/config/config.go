package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// ErrCodeNotFound 表示显式指定的 --config 文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingEndpoint 表示需要转换但没有配置 Gotenberg 地址。
	ErrCodeMissingEndpoint = "config_missing_endpoint"
	// ErrCodeMissingRelease 表示需要 release 版本号（fetch 或默认 source_root）但未提供。
	ErrCodeMissingRelease = "config_missing_release"
)

const (
	// DefaultFileName 是工作目录下自动发现的配置文件名。
	DefaultFileName = "specpdf.yaml"

	DefaultDownloadsDir = "downloads"
	DefaultOutRoot      = "pdfs"
	DefaultTimeout      = 10 * time.Second
	DefaultWorkers      = 4

	DefaultFetchProtocol = "ftp"
	DefaultFetchHost     = "www.3gpp.org"
	DefaultFetchBaseURL  = "https://www.3gpp.org/ftp"
	DefaultRemoteDir     = "/Specs/latest/Rel-{release}"
	DefaultFetchWorkers  = 4
	DefaultFetchRate     = 5.0

	DefaultPublishRegion = "us-east-1"
)

// 环境变量（也可写在 <cwd>/.env；进程环境优先）。
const (
	EnvEndpoint    = "SPECPDF_ENDPOINT"
	EnvFTPUser     = "SPECPDF_FTP_USER"
	EnvFTPPassword = "SPECPDF_FTP_PASSWORD"
	EnvS3AccessKey = "SPECPDF_S3_ACCESS_KEY"
	EnvS3SecretKey = "SPECPDF_S3_SECRET_KEY"
)

// CLIArgs 保留“是否显式指定”的信息，保证 CLI 能覆盖配置文件（包括覆盖成零值）。
type CLIArgs struct {
	ConfigPath string

	Endpoint    string
	EndpointSet bool

	Release    string
	ReleaseSet bool

	Workers    int
	WorkersSet bool

	Timeout    time.Duration
	TimeoutSet bool

	SkipFetch   bool
	SkipUnzip   bool
	SkipConvert bool
	Publish     bool
}

// FileConfig 对应 specpdf.yaml 的解析结构。
type FileConfig struct {
	Endpoint     string         `yaml:"endpoint"`
	Release      string         `yaml:"release"`
	Workers      int            `yaml:"workers"`
	Timeout      string         `yaml:"timeout"`
	DownloadsDir string         `yaml:"downloads_dir"`
	SourceRoot   string         `yaml:"source_root"`
	OutRoot      string         `yaml:"out_root"`
	ExcludeDirs  []string       `yaml:"exclude_dirs"`
	Fetch        *FetchConfig   `yaml:"fetch"`
	Publish      *PublishConfig `yaml:"publish"`
}

type FetchConfig struct {
	Protocol  string  `yaml:"protocol"` // ftp | http
	Host      string  `yaml:"host"`
	BaseURL   string  `yaml:"base_url"`
	RemoteDir string  `yaml:"remote_dir"`
	User      string  `yaml:"user"`
	Password  string  `yaml:"password"`
	ProxyURL  string  `yaml:"proxy_url"`
	Workers   int     `yaml:"workers"`
	RatePerS  float64 `yaml:"rate_per_second"`
}

type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Endpoint string
	Release  string
	Workers  int
	Timeout  time.Duration

	DownloadsDir string
	SourceRoot   string
	OutRoot      string
	ExcludeDirs  []string

	RunFetch   bool
	RunUnzip   bool
	RunConvert bool
	RunPublish bool

	Fetch   FetchSettings
	Publish PublishSettings
}

type FetchSettings struct {
	Protocol  string
	Host      string
	BaseURL   string
	RemoteDir string
	User      string
	Password  string
	ProxyURL  string
	Workers   int
	RatePerS  float64
}

type PublishSettings struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingEndpoint:
		return fmt.Sprintf("%s：需要转换但未配置 endpoint（--endpoint / %s / endpoint）", e.Code, EnvEndpoint)
	case ErrCodeMissingRelease:
		return fmt.Sprintf("%s：需要 release（--release / release）", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置，然后与环境变量、CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 给了 --config：该文件必须存在
// 2) 否则尝试读取 <cwd>/specpdf.yaml（可选）
// 3) <cwd>/.env 可选；进程环境变量优先于 .env
//
// 覆盖优先级（固定）：CLI > 环境变量 > 配置文件 > 默认值
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, DefaultFileName)
	required := false
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		required = true
	}

	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if required && !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}

	envPath := filepath.Join(cwdAbs, ".env")
	dotenv, err := readDotEnv(envPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: envPath, Err: err}
	}
	env := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(dotenv[key])
	}

	return merge(cwdAbs, cli, fc, env, cfgPath)
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, env func(string) string, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	eff := EffectiveConfig{
		RunFetch:   !cli.SkipFetch,
		RunUnzip:   !cli.SkipUnzip,
		RunConvert: !cli.SkipConvert,
		RunPublish: cli.Publish || (fc.Publish != nil && fc.Publish.Enabled),
	}

	// endpoint：CLI > env > config
	eff.Endpoint = strings.TrimSpace(fc.Endpoint)
	if v := env(EnvEndpoint); v != "" {
		eff.Endpoint = v
	}
	if cli.EndpointSet {
		eff.Endpoint = strings.TrimSpace(cli.Endpoint)
	}
	if eff.RunConvert {
		if eff.Endpoint == "" {
			return EffectiveConfig{}, &Error{Code: ErrCodeMissingEndpoint, Path: cfgPath}
		}
		if err := validateHTTPURL(eff.Endpoint); err != nil {
			return EffectiveConfig{}, invalid("endpoint 无效：%v", err)
		}
	}

	eff.Release = strings.TrimSpace(fc.Release)
	if cli.ReleaseSet {
		eff.Release = strings.TrimSpace(cli.Release)
	}
	if eff.Release != "" && !releaseRE.MatchString(eff.Release) {
		return EffectiveConfig{}, invalid("release 只能是数字，实际是 %q", eff.Release)
	}

	workers := fc.Workers
	if cli.WorkersSet {
		workers = cli.Workers
	}
	eff.Workers = clampWorkers(workers, DefaultWorkers)

	eff.Timeout = DefaultTimeout
	if s := strings.TrimSpace(fc.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return EffectiveConfig{}, invalid("timeout 无效：%v", err)
		}
		eff.Timeout = d
	}
	if cli.TimeoutSet {
		eff.Timeout = cli.Timeout
	}
	if eff.Timeout <= 0 {
		return EffectiveConfig{}, invalid("timeout 必须大于 0，实际是 %s", eff.Timeout)
	}

	// 路径：相对路径一律相对 cwd。
	eff.DownloadsDir = absCleanFrom(cwdAbs, firstNonEmpty(fc.DownloadsDir, DefaultDownloadsDir))
	eff.OutRoot = absCleanFrom(cwdAbs, firstNonEmpty(fc.OutRoot, DefaultOutRoot))
	if s := strings.TrimSpace(fc.SourceRoot); s != "" {
		eff.SourceRoot = absCleanFrom(cwdAbs, s)
	} else {
		if eff.Release == "" {
			return EffectiveConfig{}, &Error{Code: ErrCodeMissingRelease, Path: cfgPath}
		}
		eff.SourceRoot = filepath.Join(eff.DownloadsDir, eff.Release)
	}
	eff.ExcludeDirs = append([]string(nil), fc.ExcludeDirs...)

	if eff.RunFetch && eff.Release == "" && strings.Contains(remoteDirTemplate(fc.Fetch), "{release}") {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingRelease, Path: cfgPath}
	}
	fetch, err := mergeFetch(fc.Fetch, env, eff.Release)
	if err != nil {
		return EffectiveConfig{}, invalid("%v", err)
	}
	eff.Fetch = fetch

	if eff.RunPublish {
		pub, err := mergePublish(fc.Publish, env)
		if err != nil {
			return EffectiveConfig{}, invalid("%v", err)
		}
		eff.Publish = pub
	}

	return eff, nil
}

func mergeFetch(fc *FetchConfig, env func(string) string, release string) (FetchSettings, error) {
	if fc == nil {
		fc = &FetchConfig{}
	}
	fs := FetchSettings{
		Protocol:  strings.ToLower(firstNonEmpty(fc.Protocol, DefaultFetchProtocol)),
		Host:      firstNonEmpty(fc.Host, DefaultFetchHost),
		BaseURL:   strings.TrimRight(firstNonEmpty(fc.BaseURL, DefaultFetchBaseURL), "/"),
		RemoteDir: strings.ReplaceAll(firstNonEmpty(fc.RemoteDir, DefaultRemoteDir), "{release}", release),
		User:      firstNonEmpty(env(EnvFTPUser), fc.User),
		Password:  firstNonEmpty(env(EnvFTPPassword), fc.Password),
		ProxyURL:  strings.TrimSpace(fc.ProxyURL),
		Workers:   clampWorkers(fc.Workers, DefaultFetchWorkers),
		RatePerS:  fc.RatePerS,
	}
	if fs.RatePerS == 0 {
		fs.RatePerS = DefaultFetchRate
	}
	if fs.RatePerS < 0 {
		return FetchSettings{}, fmt.Errorf("fetch.rate_per_second 不能为负数：%v", fs.RatePerS)
	}

	switch fs.Protocol {
	case "ftp":
	case "http":
		if err := validateHTTPURL(fs.BaseURL); err != nil {
			return FetchSettings{}, fmt.Errorf("fetch.base_url 无效：%v", err)
		}
	default:
		return FetchSettings{}, fmt.Errorf("fetch.protocol 只能是 ftp 或 http，实际是 %q", fs.Protocol)
	}
	if fs.ProxyURL != "" {
		if err := validateHTTPURL(fs.ProxyURL); err != nil {
			return FetchSettings{}, fmt.Errorf("fetch.proxy_url 无效：%v", err)
		}
	}
	if !strings.HasPrefix(fs.RemoteDir, "/") {
		fs.RemoteDir = "/" + fs.RemoteDir
	}
	return fs, nil
}

func remoteDirTemplate(fc *FetchConfig) string {
	if fc == nil {
		return DefaultRemoteDir
	}
	return firstNonEmpty(fc.RemoteDir, DefaultRemoteDir)
}

func mergePublish(pc *PublishConfig, env func(string) string) (PublishSettings, error) {
	if pc == nil {
		pc = &PublishConfig{}
	}
	ps := PublishSettings{
		Endpoint:  strings.TrimSpace(pc.Endpoint),
		Bucket:    strings.TrimSpace(pc.Bucket),
		Prefix:    strings.Trim(strings.TrimSpace(pc.Prefix), "/"),
		Region:    firstNonEmpty(pc.Region, DefaultPublishRegion),
		UseSSL:    pc.UseSSL,
		AccessKey: firstNonEmpty(env(EnvS3AccessKey), pc.AccessKey),
		SecretKey: firstNonEmpty(env(EnvS3SecretKey), pc.SecretKey),
	}
	switch {
	case ps.Endpoint == "":
		return PublishSettings{}, errors.New("publish.endpoint 不能为空")
	case strings.Contains(ps.Endpoint, "://"):
		return PublishSettings{}, fmt.Errorf("publish.endpoint 只写 host[:port]，不带 scheme：%q", ps.Endpoint)
	case ps.Bucket == "":
		return PublishSettings{}, errors.New("publish.bucket 不能为空")
	case ps.AccessKey == "" || ps.SecretKey == "":
		return PublishSettings{}, fmt.Errorf("publish 需要 access/secret key（%s / %s）", EnvS3AccessKey, EnvS3SecretKey)
	}
	return ps, nil
}

var releaseRE = regexp.MustCompile(`^[0-9]{1,3}$`)

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("必须是 http/https：%q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("缺少 host：%q", raw)
	}
	return nil
}

// clampWorkers：0 取默认值；范围 [1, 32]，超出截断。
func clampWorkers(n, def int) int {
	if n == 0 {
		n = def
	}
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return n
}

func firstNonEmpty(xs ...string) string {
	for _, x := range xs {
		if s := strings.TrimSpace(x); s != "" {
			return s
		}
	}
	return ""
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}

// readDotEnv 读取 .env 为 map（不修改进程环境）；文件不存在返回空 map。
func readDotEnv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return godotenv.Read(path)
}
