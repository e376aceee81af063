package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dapm/minerop/internal/codec"
	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/pipeline"
)

// Render returns n in the given output format, newline terminated.
func Render(n model.PetriNet, format string) ([]byte, error) {
	switch format {
	case model.FormatJSON, "":
		s, err := codec.EncodeNet(n)
		if err != nil {
			return nil, err
		}
		return []byte(s + "\n"), nil
	case model.FormatDOT:
		return []byte(pipeline.DOT(n)), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func extension(format string) string {
	if format == model.FormatDOT {
		return ".dot"
	}
	return ".json"
}

// uploaders builds the configured uploaders. Without any destination nets
// go to stdout.
func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	if cfg.Dir == "" && cfg.Redis == nil && cfg.URL == "" {
		return []model.Uploader{NewWriteUploader(os.Stdout, cfg.Format)}, nil
	}
	var ret []model.Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir, cfg.Format)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	if cfg.Redis != nil {
		ret = append(ret, NewRedisUploader(*cfg.Redis))
	}
	if cfg.URL != "" {
		u, err := NewRepoUploader(cfg.URL)
		if err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, nil
}

type WriteUploader struct {
	w      io.Writer
	format string
}

func NewWriteUploader(w io.Writer, format string) WriteUploader {
	return WriteUploader{w: w, format: format}
}

func (u WriteUploader) Upload(_ context.Context, n model.PetriNet) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	b, err := Render(n, u.format)
	if err != nil {
		return err
	}
	_, err = u.w.Write(b)
	return err
}

// OSRootUploader stores every net as its own file below a directory.
type OSRootUploader struct {
	root   *os.Root
	format string
	seq    atomic.Uint64
}

func NewOSRootUploader(path string, format string) (*OSRootUploader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, format: format}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, n model.PetriNet) error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	b, err := Render(n, u.format)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("petrinet-%s-%06d%s",
		time.Now().UTC().Format("2006-01-02-15-04-05"),
		u.seq.Add(1),
		extension(u.format),
	)
	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating petri net file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving petri net: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing petri net file: %w", err)
	}
	slog.DebugContext(ctx, "petri net saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// RedisUploader publishes every net as JSON on a redis channel.
type RedisUploader struct {
	client  *redis.Client
	channel string
}

func NewRedisUploader(cfg model.Redis) *RedisUploader {
	return &RedisUploader{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		channel: cfg.Channel,
	}
}

// NewRedisUploaderWithClient publishes through an existing client, which is
// closed together with the uploader.
func NewRedisUploaderWithClient(client *redis.Client, channel string) *RedisUploader {
	return &RedisUploader{client: client, channel: channel}
}

func (u *RedisUploader) Upload(ctx context.Context, n model.PetriNet) error {
	s, err := codec.EncodeNet(n)
	if err != nil {
		return err
	}
	receivers, err := u.client.Publish(ctx, u.channel, s).Result()
	if err != nil {
		return fmt.Errorf("publishing petri net to %s: %w", u.channel, err)
	}
	slog.DebugContext(ctx, "petri net published", "channel", u.channel, "receivers", receivers)
	return nil
}

func (u *RedisUploader) Close() error {
	return u.client.Close()
}
