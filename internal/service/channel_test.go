package service_test

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dapm/minerop/internal/service"

	"github.com/stretchr/testify/require"
)

// peer is the far end of a Channel. For every request it writes the next
// scripted answer verbatim. An empty answer means it stops answering but
// keeps the output open until the channel is closed.
type peer struct {
	requests []string
	mx       sync.Mutex
}

func newPipeChannel(t *testing.T, answers ...string) (*service.Channel, *peer, func()) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	c := service.NewChannel(reqW, respR)

	p := &peer{}
	var wg sync.WaitGroup
	wg.Go(func() {
		defer func() { _ = respW.Close() }()
		in := bufio.NewScanner(reqR)
		for _, answer := range answers {
			if !in.Scan() {
				return
			}
			p.mx.Lock()
			p.requests = append(p.requests, in.Text())
			p.mx.Unlock()
			if answer == "" {
				for in.Scan() {
				}
				return
			}
			if _, err := io.WriteString(respW, answer); err != nil {
				return
			}
		}
	})
	stop := func() {
		_ = c.Close()
		_ = reqR.Close()
		_ = respW.Close()
		wg.Wait()
	}
	t.Cleanup(stop)
	return c, p, stop
}

func TestExchange(t *testing.T) {
	t.Parallel()

	var scenarios = []struct {
		scenario string
		given    string
		body     []string
		status   bool
	}{
		{"single line", "{\"a\":1}\n\ntrue\n", []string{`{"a":1}`}, true},
		{"multi line", "{\n  \"a\": 1\n}\n\ntrue\n", []string{"{", `  "a": 1`, "}"}, true},
		{"status is case insensitive", "x\n\n TRUE \n", []string{"x"}, true},
		{"other status is false", "x\n\nyes\n", []string{"x"}, false},
		{"false", "x\n\nfalse\n", []string{"x"}, false},
		{"empty body", "\ntrue\n", nil, true},
		{"blank line with spaces ends the body", "x\n   \ntrue\n", []string{"x"}, true},
	}

	for _, s := range scenarios {
		t.Run(s.scenario, func(t *testing.T) {
			t.Parallel()
			c, p, stop := newPipeChannel(t, s.given)
			resp, err := c.Exchange(t.Context(), "hello", time.Second)
			require.NoError(t, err)
			require.Equal(t, s.body, resp.Body)
			require.Equal(t, s.status, resp.Status)
			stop()
			require.Equal(t, []string{"hello"}, p.requests)
		})
	}
}

func TestResponse(t *testing.T) {
	t.Parallel()
	require.False(t, service.Response{Status: true}.Usable())
	require.False(t, service.Response{Body: []string{"  "}, Status: true}.Usable())
	require.False(t, service.Response{Body: []string{"x"}}.Usable())
	r := service.Response{Body: []string{"  {", "}  "}, Status: true}
	require.True(t, r.Usable())
	require.Equal(t, "{\n}", r.Content())
}

func TestExchange_Sequence(t *testing.T) {
	t.Parallel()
	c, p, stop := newPipeChannel(t, "one\n\ntrue\n", "two\n\nfalse\n")

	r1, err := c.Exchange(t.Context(), "1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "one", r1.Content())
	require.True(t, r1.Status)

	r2, err := c.Exchange(t.Context(), "2", time.Second)
	require.NoError(t, err)
	require.Equal(t, "two", r2.Content())
	require.False(t, r2.Status)

	stop()
	require.Equal(t, []string{"1", "2"}, p.requests)
}

func TestExchange_Fail(t *testing.T) {
	t.Parallel()

	t.Run("invalid request", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newPipeChannel(t)
		_, err := c.Exchange(t.Context(), "two\nlines", time.Second)
		require.ErrorIs(t, err, service.ErrInvalidRequest)
	})

	t.Run("end of output before status", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newPipeChannel(t, "partial\n")
		resp, err := c.Exchange(t.Context(), "req", time.Second)
		require.ErrorIs(t, err, service.ErrClosed)
		require.Equal(t, []string{"partial"}, resp.Body)
		require.False(t, resp.Status)
		require.Eventually(t, c.Closed, time.Second, time.Millisecond)
	})

	t.Run("end of output after body", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newPipeChannel(t, "partial\n\n")
		_, err := c.Exchange(t.Context(), "req", time.Second)
		require.ErrorIs(t, err, service.ErrClosed)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newPipeChannel(t, "")
		start := time.Now()
		_, err := c.Exchange(t.Context(), "req", 50*time.Millisecond)
		require.ErrorIs(t, err, service.ErrTimeout)
		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		require.False(t, c.Closed())
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		c, _, _ := newPipeChannel(t, "")
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err := c.Exchange(ctx, "req", time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("write", func(t *testing.T) {
		t.Parallel()
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		c := service.NewChannel(reqW, respR)
		t.Cleanup(func() {
			_ = c.Close()
			_ = respW.Close()
		})
		require.NoError(t, reqR.Close())

		_, err := c.Exchange(t.Context(), strings.Repeat("x", 10), time.Second)
		require.ErrorIs(t, err, service.ErrWrite)
	})
}
