package service_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dapm/minerop/internal/codec"
	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/pipeline"
	"github.com/dapm/minerop/internal/service"

	"github.com/stretchr/testify/require"
)

type sliceSource []model.Event

func (s sliceSource) Run(ctx context.Context, out chan<- model.Event) error {
	for _, e := range s {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type collectUploader struct {
	mx   sync.Mutex
	nets []model.PetriNet
	err  error
}

func (u *collectUploader) Upload(_ context.Context, n model.PetriNet) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.err != nil {
		return u.err
	}
	u.nets = append(u.nets, n)
	return nil
}

func (u *collectUploader) cases() []string {
	u.mx.Lock()
	defer u.mx.Unlock()
	ret := make([]string, 0, len(u.nets))
	for _, n := range u.nets {
		ret = append(ret, n.Transitions[0].ID)
	}
	return ret
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	events := sliceSource{
		event("PAT-1000", "ADMISSION", "Emergency"),
		event("PAT-1001", "ADMISSION", "Cardiology"),
		event("PAT-1000", "TRIAGE", "emergency"),
		event("PAT-1002", "ADMISSION", "Neurology"),
		event("PAT-1003", "ADMISSION", "EMERGENCY"),
	}
	miner := newMiner(t, "echo")
	var up collectUploader

	supervisor, err := service.NewSupervisor(t.Context(), model.Service{}, events, miner, pipeline.NewDepartmentFilter("Emergency"))
	require.NoError(t, err)
	supervisor = supervisor.WithUploaders(t.Context(), &up)

	err = supervisor.Do(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"PAT-1000", "PAT-1000", "PAT-1003"}, up.cases())

	report := supervisor.Report()
	require.Equal(t, int64(5), report.Received)
	require.Equal(t, int64(3), report.Accepted)
	require.Equal(t, int64(3), report.Published)
	require.Equal(t, int64(3), report.Miner.Requests)
	require.Zero(t, report.PID)

	// the miner was terminated by Do
	require.ErrorIs(t, miner.Start(t.Context()), service.ErrTerminated)
}

func TestSupervisor_NotPublished(t *testing.T) {
	t.Parallel()
	miner := newMiner(t, "false")
	var up collectUploader

	supervisor, err := service.NewSupervisor(t.Context(), model.Service{}, sliceSource{event("PAT-1", "ADMISSION", "Emergency")}, miner)
	require.NoError(t, err)
	supervisor = supervisor.WithUploaders(t.Context(), &up)

	require.NoError(t, supervisor.Do(t.Context()))
	require.Empty(t, up.cases())
	require.Equal(t, int64(1), supervisor.Report().Accepted)
	require.Zero(t, supervisor.Report().Published)
}

func TestSupervisor_UploadError(t *testing.T) {
	t.Parallel()
	miner := newMiner(t, "echo")
	good := &collectUploader{}
	bad := &collectUploader{err: errors.New("disk full")}

	supervisor, err := service.NewSupervisor(t.Context(), model.Service{}, sliceSource{
		event("PAT-1", "ADMISSION", "Emergency"),
		event("PAT-2", "ADMISSION", "Emergency"),
	}, miner)
	require.NoError(t, err)
	supervisor = supervisor.WithUploaders(t.Context(), good, bad)

	require.NoError(t, supervisor.Do(t.Context()))
	require.Equal(t, []string{"PAT-1", "PAT-2"}, good.cases())
	report := supervisor.Report()
	require.Equal(t, int64(2), report.UploadErrors)
	require.Zero(t, report.Published)
}

func TestSupervisor_Cancel(t *testing.T) {
	t.Parallel()
	miner := newMiner(t, "echo")
	var up collectUploader
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	supervisor, err := service.NewSupervisor(ctx, model.Service{
		Report: &model.Schedule{Duration: "PT1S"},
	}, pipeline.NewHospitalSource(3, 500), miner, pipeline.NewDepartmentFilter("Emergency"))
	require.NoError(t, err)
	supervisor = supervisor.WithUploaders(ctx, &up)

	var wg sync.WaitGroup
	var doErr error
	wg.Go(func() {
		doErr = supervisor.Do(ctx)
	})

	require.Eventually(t, func() bool { return len(up.cases()) >= 3 }, 20*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
	require.NoError(t, doErr)
	require.Positive(t, supervisor.Report().Received)
	require.Zero(t, miner.PID())
}

func TestSupervisor_StartError(t *testing.T) {
	t.Parallel()
	cmd := service.Command{Path: filepath.Join(t.TempDir(), "no-such-java")}
	miner := service.NewMiner(cmd, fakeProvisioner(t))

	supervisor, err := service.NewSupervisor(t.Context(), model.Service{}, sliceSource{}, miner)
	require.NoError(t, err)
	supervisor = supervisor.WithUploaders(t.Context(), &collectUploader{})
	err = supervisor.Do(t.Context())
	require.ErrorIs(t, err, service.ErrStart)
}

func TestSupervisor_Config(t *testing.T) {
	t.Parallel()

	t.Run("bad schedule", func(t *testing.T) {
		t.Parallel()
		miner := newMiner(t, "echo")
		_, err := service.NewSupervisor(t.Context(), model.Service{
			Report: &model.Schedule{Duration: "PX"},
		}, sliceSource{}, miner)
		require.ErrorIs(t, err, model.ErrISOFormat)

		_, err = service.NewSupervisor(t.Context(), model.Service{
			Report: &model.Schedule{},
		}, sliceSource{}, miner)
		require.ErrorIs(t, err, model.ErrEmptySchedule)
	})

	t.Run("bad url", func(t *testing.T) {
		t.Parallel()
		miner := newMiner(t, "echo")
		_, err := service.NewSupervisor(t.Context(), model.Service{URL: "http://localhost:8080/api"}, sliceSource{}, miner)
		require.Error(t, err)
	})

	t.Run("dir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nets")
		miner := newMiner(t, "echo")
		supervisor, err := service.NewSupervisor(t.Context(), model.Service{
			Dir:    dir,
			Format: model.FormatDOT,
			Report: &model.Schedule{Cron: "@every 1m"},
		}, sliceSource{
			event("PAT-1", "ADMISSION", "Emergency"),
			event("PAT-1", "TRIAGE", "Emergency"),
		}, miner)
		require.NoError(t, err)
		require.NoError(t, supervisor.Do(t.Context()))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			require.True(t, strings.HasPrefix(e.Name(), "petrinet-"), e.Name())
			require.Equal(t, ".dot", filepath.Ext(e.Name()))
			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			require.Contains(t, string(b), `"start" -> "PAT-1"`)
		}
	})
}

func sampleNet() model.PetriNet {
	return fakeNet(event("PAT-9", "DISCHARGE", "Emergency"))
}

func TestWriteUploader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, service.NewWriteUploader(&buf, model.FormatJSON).Upload(t.Context(), sampleNet()))
	line, err := buf.ReadString('\n')
	require.NoError(t, err)
	back, err := codec.DecodeNet(line)
	require.NoError(t, err)
	require.Equal(t, sampleNet(), back)

	buf.Reset()
	require.NoError(t, service.NewWriteUploader(&buf, model.FormatDOT).Upload(t.Context(), sampleNet()))
	require.True(t, strings.HasPrefix(buf.String(), `digraph "petriNet" {`))

	err = service.NewWriteUploader(&buf, "xml").Upload(t.Context(), sampleNet())
	require.Error(t, err)
}

func TestOSRootUploader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	u, err := service.NewOSRootUploader(dir, model.FormatJSON)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, u.Upload(t.Context(), sampleNet()))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.Equal(t, ".json", filepath.Ext(e.Name()))
	}

	require.NoError(t, u.Close())
	require.Error(t, u.Upload(t.Context(), sampleNet()))
	require.Error(t, u.Close())
}

func TestRepoUploader(t *testing.T) {
	t.Parallel()

	var got []model.PetriNet
	var mx sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/petrinets" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		n, err := codec.DecodeNet(string(b))
		if err != nil {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
			return
		}
		mx.Lock()
		got = append(got, n)
		mx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "net-1"})
	}))
	t.Cleanup(srv.Close)

	u, err := service.NewRepoUploader(srv.URL)
	require.NoError(t, err)
	require.NoError(t, u.Upload(t.Context(), sampleNet()))
	mx.Lock()
	require.Equal(t, []model.PetriNet{sampleNet()}, got)
	mx.Unlock()

	bad := sampleNet()
	bad.Arcs = append(bad.Arcs, model.Arc{Kind: model.PlaceToTransition, Source: "nowhere", Target: "PAT-9"})
	err = u.Upload(t.Context(), bad)
	require.ErrorContains(t, err, "status code: 400")

	for _, given := range []string{"localhost", "http://localhost/api", "://"} {
		_, err := service.NewRepoUploader(given)
		require.Error(t, err, given)
	}
}

// respServer speaks just enough of the redis protocol for PUBLISH. Every
// other command, including the client's connection handshake, gets an error
// reply, which go-redis treats as "not supported".
type respServer struct {
	ln   net.Listener
	wg   sync.WaitGroup
	mx   sync.Mutex
	msgs map[string][]string
}

func newRESPServer(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &respServer{ln: ln, msgs: make(map[string][]string)}
	s.wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Go(func() { s.serve(c) })
		}
	})
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *respServer) addr() string { return s.ln.Addr().String() }

func (s *respServer) published(channel string) []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.msgs[channel]...)
}

func (s *respServer) serve(c net.Conn) {
	defer func() { _ = c.Close() }()
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		reply := "-ERR unknown command\r\n"
		switch strings.ToUpper(args[0]) {
		case "PING":
			reply = "+PONG\r\n"
		case "PUBLISH":
			if len(args) != 3 {
				reply = "-ERR wrong number of arguments\r\n"
				break
			}
			s.mx.Lock()
			s.msgs[args[1]] = append(s.msgs[args[1]], args[2])
			s.mx.Unlock()
			reply = ":1\r\n"
		}
		if _, err := io.WriteString(c, reply); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.New("empty command")
	}
	args := make([]string, 0, n)
	for range n {
		l, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		buf := make([]byte, l+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:l]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, kind byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 || line[0] != kind {
		return 0, fmt.Errorf("unexpected header %q", line)
	}
	return strconv.Atoi(line[1:])
}

func TestRedisUploader(t *testing.T) {
	t.Parallel()
	srv := newRESPServer(t)

	u := service.NewRedisUploader(model.Redis{Addr: srv.addr(), Channel: "minerop.nets"})
	require.NoError(t, u.Upload(t.Context(), sampleNet()))
	require.NoError(t, u.Upload(t.Context(), sampleNet()))

	msgs := srv.published("minerop.nets")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		back, err := codec.DecodeNet(m)
		require.NoError(t, err)
		require.Equal(t, sampleNet(), back)
	}
	require.Empty(t, srv.published("other"))

	require.NoError(t, u.Close())
	err := u.Upload(t.Context(), sampleNet())
	require.ErrorContains(t, err, "publishing petri net to minerop.nets")
}

func TestSupervisor_Redis(t *testing.T) {
	t.Parallel()
	srv := newRESPServer(t)
	miner := newMiner(t, "echo")

	supervisor, err := service.NewSupervisor(t.Context(), model.Service{
		Redis: &model.Redis{Addr: srv.addr(), Channel: "minerop.nets"},
	}, sliceSource{
		event("PAT-1", "ADMISSION", "Emergency"),
		event("PAT-2", "ADMISSION", "Emergency"),
	}, miner)
	require.NoError(t, err)
	require.NoError(t, supervisor.Do(t.Context()))

	require.Len(t, srv.published("minerop.nets"), 2)
	require.Equal(t, int64(2), supervisor.Report().Published)
}
