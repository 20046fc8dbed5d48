package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const listingCacheSize = 256

// HTTPIndexSource 通过 HTTP 目录索引页（如 https://www.3gpp.org/ftp/...）访问远端。
//
// 约束：
// - 列表页解析只看 <a href>：只保留当前目录的直接子项
// - 同一目录的列表页在本进程内只请求一次（LRU 记忆）
// - 所有请求（列表与下载）共享同一个限速器
type HTTPIndexSource struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter

	listings *lru.Cache[string, []Entry]
}

// NewHTTPIndexSource：ratePerSec <= 0 表示不限速。
func NewHTTPIndexSource(baseURL string, c *http.Client, ratePerSec float64) (*HTTPIndexSource, error) {
	if c == nil {
		return nil, errors.New("http client 不能为空")
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("base url 必须是 http/https")
	}

	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	cache, err := lru.New[string, []Entry](listingCacheSize)
	if err != nil {
		return nil, err
	}
	return &HTTPIndexSource{
		base:     u,
		client:   c,
		limiter:  rate.NewLimiter(limit, 1),
		listings: cache,
	}, nil
}

func (s *HTTPIndexSource) urlFor(remote string, dir bool) *url.URL {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(remote, "/")
	if dir && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &u
}

func (s *HTTPIndexSource) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &HTTPStatusError{URL: u.String(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (s *HTTPIndexSource) List(ctx context.Context, dir string) ([]Entry, error) {
	key := "/" + strings.Trim(dir, "/")
	if cached, ok := s.listings.Get(key); ok {
		return cached, nil
	}

	u := s.urlFor(dir, true)
	resp, err := s.get(ctx, u)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}
	defer resp.Body.Close()

	entries, err := parseListing(u, key, resp.Body)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}
	s.listings.Add(key, entries)
	return entries, nil
}

func (s *HTTPIndexSource) Open(ctx context.Context, remote string) (io.ReadCloser, error) {
	resp, err := s.get(ctx, s.urlFor(remote, false))
	if err != nil {
		return nil, &Error{Op: "open", Path: remote, Err: err}
	}
	return resp.Body, nil
}

func (s *HTTPIndexSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// parseListing 从目录页 HTML 中提取 dirURL 的直接子项。
//
// 目录判定：href 以 / 结尾，或最后一段不含扩展名（3GPP 的目录链接不带尾斜杠）。
func parseListing(dirURL *url.URL, dir string, r io.Reader) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	dirPath := strings.TrimRight(dirURL.Path, "/") + "/"
	seen := make(map[string]struct{})
	out := make([]Entry, 0, 32)

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || (ref.Fragment != "" && ref.Path == "") {
			return
		}
		abs := dirURL.ResolveReference(ref)
		if abs.Host != dirURL.Host || !strings.HasPrefix(abs.Path, dirPath) {
			return
		}
		rest := strings.TrimPrefix(abs.Path, dirPath)
		isDir := strings.HasSuffix(rest, "/")
		rest = strings.TrimSuffix(rest, "/")
		if rest == "" || strings.Contains(rest, "/") {
			return
		}
		if _, ok := seen[rest]; ok {
			return
		}
		seen[rest] = struct{}{}
		if path.Ext(rest) == "" {
			isDir = true
		}
		out = append(out, Entry{Name: rest, Path: joinRemote(dir, rest), IsDir: isDir, Size: -1})
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
