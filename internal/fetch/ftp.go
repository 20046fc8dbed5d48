package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

const ftpDialTimeout = 30 * time.Second

// FTPSource 通过 FTP 访问远端目录（默认匿名登录）。
//
// 一个 ServerConn 同一时刻只能执行一个命令：List 复用一条受锁保护的控制连接；
// 每次 Open 单独拨号，reader 关闭时退出该连接。
type FTPSource struct {
	Addr     string // host[:port]，缺省端口 21
	User     string
	Password string

	mu   sync.Mutex
	ctrl *ftp.ServerConn
}

func NewFTPSource(host, user, password string) *FTPSource {
	addr := strings.TrimSpace(host)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	return &FTPSource{Addr: addr, User: user, Password: password}
}

func (s *FTPSource) dial(ctx context.Context) (*ftp.ServerConn, error) {
	c, err := ftp.Dial(s.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(ftpDialTimeout))
	if err != nil {
		return nil, err
	}
	if err := c.Login(s.User, s.Password); err != nil {
		_ = c.Quit()
		return nil, err
	}
	return c, nil
}

func (s *FTPSource) List(ctx context.Context, dir string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctrl == nil {
		c, err := s.dial(ctx)
		if err != nil {
			return nil, &Error{Op: "list", Path: dir, Err: err}
		}
		s.ctrl = c
	}

	raw, err := s.ctrl.List(dir)
	if err != nil {
		// 控制连接可能已断开：丢弃，下次重新拨号。
		_ = s.ctrl.Quit()
		s.ctrl = nil
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}

	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e == nil || e.Name == "." || e.Name == ".." {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeFolder:
			out = append(out, Entry{Name: e.Name, Path: joinRemote(dir, e.Name), IsDir: true, Size: -1})
		case ftp.EntryTypeFile:
			out = append(out, Entry{Name: e.Name, Path: joinRemote(dir, e.Name), Size: int64(e.Size)})
		}
		// 符号链接忽略（可能成环）。
	}
	return out, nil
}

func (s *FTPSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	c, err := s.dial(ctx)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	resp, err := c.Retr(path)
	if err != nil {
		_ = c.Quit()
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	return &ftpReader{resp: resp, conn: c}, nil
}

func (s *FTPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl == nil {
		return nil
	}
	err := s.ctrl.Quit()
	s.ctrl = nil
	return err
}

type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	if qerr := r.conn.Quit(); qerr != nil && err == nil && !errors.Is(qerr, io.EOF) {
		err = qerr
	}
	return err
}
