package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/specpdf/internal/domain"
	"github.com/John-Robertt/specpdf/internal/infra/fsx"
	"github.com/John-Robertt/specpdf/internal/infra/httpx"
)

// RoutePath 是 Gotenberg LibreOffice 转换路由。
const RoutePath = "/forms/libreoffice/convert"

// FormField 是上传文件的表单字段名（Gotenberg 约定）。
const FormField = "files"

const snippetMax = 512

// Client 把单个文件交给 Gotenberg 转换为 PDF。
//
// 约束：
// - 每次调用恰好一个 POST，不在内部重试
// - 只有 HTTP 200 才写目标文件；写入是原子的（tmp + rename）
// - 任何失败都以 Result 返回，不 panic、不影响调用方 worker
type Client struct {
	Endpoint string
	HTTP     *http.Client

	// Timeout 是单次转换（上传 + 等待 + 下载）的上限；<=0 表示不限。
	Timeout time.Duration
}

// New 用默认转换 client 构造 Client。
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTP:     httpx.NewConvertClient(),
		Timeout:  timeout,
	}
}

// URL 返回完整的转换地址。
func (c *Client) URL() string {
	return strings.TrimRight(strings.TrimSpace(c.Endpoint), "/") + RoutePath
}

// Result 是一次转换的结果：Err == nil 表示成功（Bytes 为写出的 PDF 字节数），否则 Err.Kind 给出分类。
type Result struct {
	Bytes int64
	Err   *Error
}

func (r Result) OK() bool { return r.Err == nil }

// Error 是分类后的单条转换失败。
type Error struct {
	Kind       string // domain.ErrKind*
	StatusCode int    // 仅 service
	Snippet    string // 仅 service：响应体前 512 字节
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case domain.ErrKindService:
		if s := strings.TrimSpace(e.Snippet); s != "" {
			return fmt.Sprintf("service: HTTP %d: %s", e.StatusCode, s)
		}
		return fmt.Sprintf("service: HTTP %d", e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind
	}
}

func (e *Error) Unwrap() error { return e.Err }

func failure(kind string, err error) Result {
	return Result{Err: &Error{Kind: kind, Err: err}}
}

// Convert 上传 src 并把返回的 PDF 写到 dst。dst 的父目录应已存在（不存在时也会被创建）。
func (c *Client) Convert(ctx context.Context, src, dst string) Result {
	f, err := os.Open(src)
	if err != nil {
		return failure(domain.ErrKindIO, err)
	}
	defer f.Close()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	// 请求体通过 pipe 流式生成，避免把整个文档读进内存。
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeDone := make(chan struct{})
	var readErr error // 只在 writeDone 关闭后读取
	go func() {
		defer close(writeDone)
		in := &trackingReader{r: f}
		pw.CloseWithError(writeForm(mw, filepath.Base(src), in))
		readErr = in.err
	}()
	// sourceErr 结束上传并返回读源文件时的错误；读源失败是本地 IO，而不是网络问题。
	sourceErr := func() error {
		_ = pr.Close()
		<-writeDone
		return readErr
	}
	defer sourceErr()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), pr)
	if err != nil {
		return failure(domain.ErrKindTransport, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if rerr := sourceErr(); rerr != nil {
			return failure(domain.ErrKindIO, rerr)
		}
		return failure(classify(ctx, err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if rerr := sourceErr(); rerr != nil {
			return failure(domain.ErrKindIO, rerr)
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, snippetMax))
		return Result{Err: &Error{
			Kind:       domain.ErrKindService,
			StatusCode: resp.StatusCode,
			Snippet:    string(b),
		}}
	}

	body := &trackingReader{r: resp.Body}
	n, err := fsx.WriteFileAtomicFromReader(filepath.Dir(dst), filepath.Base(dst), body)
	if err != nil {
		if body.err != nil {
			// 读响应体中途失败属于网络问题，而不是本地 IO。
			return failure(classify(ctx, body.err), body.err)
		}
		return failure(domain.ErrKindIO, err)
	}
	return Result{Bytes: n}
}

func writeForm(mw *multipart.Writer, name string, r io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, quoteEscaper.Replace(name)))
	h.Set("Content-Type", MIMEType(name))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// MIMEType 返回上传时声明的文档类型。
func MIMEType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".rtf":
		return "application/rtf"
	default:
		// .doc / .dot
		return "application/msword"
	}
}

func classify(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ErrKindTimeout
	}
	return domain.ErrKindTransport
}

// trackingReader 记录读端错误，用来区分一次失败发生在读端还是写端。
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
