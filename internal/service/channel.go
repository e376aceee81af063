package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidRequest = errors.New("request must be a single line")
	ErrWrite          = errors.New("writing request failed")
	ErrTimeout        = errors.New("miner did not answer in time")
	ErrClosed         = errors.New("miner output closed")
)

const (
	maxLine     = 16 << 20
	lineBacklog = 64
)

// Response is one framed answer: body lines up to the first blank line,
// then a status line. Only a status of "true" counts as success.
type Response struct {
	Body   []string
	Status bool
}

// Content returns the body lines joined by newlines, trimmed.
func (r Response) Content() string {
	return strings.TrimSpace(strings.Join(r.Body, "\n"))
}

// Usable reports whether the response carries a result.
func (r Response) Usable() bool {
	return r.Status && r.Content() != ""
}

// Channel speaks the line protocol over a pair of streams. A background
// goroutine reads lines so that Exchange can give up after a deadline.
// Channel does not serialize Exchange calls.
type Channel struct {
	wc io.WriteCloser
	w  *bufio.Writer
	rc io.ReadCloser

	lines  chan string
	closed chan struct{} // closed when the reader stops
	quit   chan struct{}
	once   sync.Once
	err    error // read error, valid once closed is closed
}

func NewChannel(w io.WriteCloser, r io.ReadCloser) *Channel {
	c := &Channel{
		wc:     w,
		w:      bufio.NewWriter(w),
		rc:     r,
		lines:  make(chan string, lineBacklog),
		closed: make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *Channel) read() {
	defer close(c.closed)
	scanner := bufio.NewScanner(c.rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.quit:
			return
		}
	}
	c.err = scanner.Err()
}

// Closed reports whether the output stream reached its end.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return len(c.lines) == 0
	default:
		return false
	}
}

// Exchange sends req and reads one framed response. A missing status line
// at end of output yields ErrClosed together with the body read so far.
// When timeout passes first ErrTimeout is returned and the channel is out
// of sync: the caller must discard it.
func (c *Channel) Exchange(ctx context.Context, req string, timeout time.Duration) (Response, error) {
	if strings.ContainsAny(req, "\r\n") {
		return Response{}, ErrInvalidRequest
	}
	c.drain(ctx)

	if _, err := c.w.WriteString(req); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.w.Flush(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var resp Response
	for {
		line, err := c.next(ctx, deadline.C)
		if err != nil {
			return resp, err
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		resp.Body = append(resp.Body, line)
	}
	status, err := c.next(ctx, deadline.C)
	if err != nil {
		return resp, err
	}
	resp.Status = strings.EqualFold(strings.TrimSpace(status), "true")
	return resp, nil
}

// drain drops output that arrived while no request was outstanding.
func (c *Channel) drain(ctx context.Context) {
	for {
		select {
		case line := <-c.lines:
			slog.DebugContext(ctx, "miner: unsolicited output", "line", line)
		default:
			return
		}
	}
}

func (c *Channel) next(ctx context.Context, deadline <-chan time.Time) (string, error) {
	select {
	case line := <-c.lines:
		return line, nil
	case <-c.closed:
		select {
		case line := <-c.lines:
			return line, nil
		default:
		}
		if c.err != nil {
			return "", fmt.Errorf("%w: %w", ErrClosed, c.err)
		}
		return "", ErrClosed
	case <-deadline:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close closes both streams and stops the reader. Errors are ignored.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.quit)
		_ = c.wc.Close()
		_ = c.rc.Close()
	})
	return nil
}
