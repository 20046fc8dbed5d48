package httpx

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultRetryMax     = 2

	// UserAgent 对 3GPP 与 Gotenberg 都是固定值；两者都不做 UA 过滤。
	UserAgent = "specpdf/1.0"
)

// Transport 把“固定 UA + keep-alive 策略 + 有界重试”固化为统一策略。
//
// 重试只针对可重放的请求（GET/HEAD 且无 body）。转换请求是带 body 的 POST，
// 因此永远不会在这一层被重试：失败即失败，由上层决定是否重跑。
type Transport struct {
	Base *http.Transport

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 {
		max = 0
	}
	if !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", UserAgent)
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			// ctx 已取消/超时：不再重试，直接返回最后错误。
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// NewConvertClient 构造访问转换服务的 client。
//
// 不设置 Client.Timeout：单次转换的超时由调用方通过 ctx 控制（每个文件一个 deadline），
// 这样超时能被准确归类为 timeout，而不是混在传输错误里。
func NewConvertClient() *http.Client {
	base := newBase()
	// LibreOffice 转换大文件可能很久才返回响应头，这里不限制。
	base.ResponseHeaderTimeout = 0
	return &http.Client{
		Transport: &Transport{Base: base, RetryMax: 0},
	}
}

// NewFetchClient 构造用于目录索引抓取与文件下载的 client。
//
// 规则：
// - proxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - GET 有界重试 + 总超时
func NewFetchClient(proxyURL string) (*http.Client, error) {
	base := newBase()
	disableKeepAlives := false

	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy url 缺少 scheme 或 host")
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	return &http.Client{
		Transport: &Transport{
			Base:              base,
			RetryMax:          defaultRetryMax,
			DisableKeepAlives: disableKeepAlives,
		},
		Timeout: defaultFetchTimeout,
	}, nil
}

func newBase() *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		MaxIdleConnsPerHost:   32,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}
