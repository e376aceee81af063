// Package artifact installs the mining executable shipped with minerop into
// a well known directory and keeps the installed copy identical to the
// shipped one.
//
// The bundled copy is the only trusted source. Ensure compares content
// digests and, when they differ or the installed file is missing, replaces
// the installed file atomically: a temporary file is written next to the
// target, synced, made read+exec and renamed over it. Concurrent readers see
// either the old or the new file, never a partial one.
package artifact

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
)

const (
	// FileName is the name of the executable both in a bundle directory and
	// in the install directory.
	FileName = "heuristics-miner.jar"

	installPerm = 0o555
)

var (
	ErrSourceMissing = errors.New("bundled artifact not found")
	ErrIO            = errors.New("artifact install failed")
)

//go:embed bundle
var embedded embed.FS

// Status describes the installed artifact after a successful Ensure.
type Status struct {
	Path      string
	Digest    digest.Digest
	Refreshed bool // the file was (re)written by this call
}

type Provisioner struct {
	bundle fs.FS
	source string
	dir    string

	digestOnce sync.Once
	digest     digest.Digest
	digestErr  error
}

type Option func(*Provisioner)

// WithBundle sets the trusted source of the artifact.
func WithBundle(bundle fs.FS, source string) Option {
	return func(p *Provisioner) {
		p.bundle = bundle
		p.source = source
	}
}

// WithBundleDir uses dir/heuristics-miner.jar on disk as the trusted source.
func WithBundleDir(dir string) Option {
	return WithBundle(os.DirFS(dir), FileName)
}

// New returns a provisioner installing into dir. Without options the
// artifact embedded in the binary is used.
func New(dir string, opts ...Option) *Provisioner {
	p := &Provisioner{
		bundle: embedded,
		source: "bundle/" + FileName,
		dir:    dir,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Path returns the install location of the artifact.
func (p *Provisioner) Path() string {
	return filepath.Join(p.dir, FileName)
}

// Digest returns the digest of the bundled artifact. It is computed on first
// use and cached.
func (p *Provisioner) Digest() (digest.Digest, error) {
	p.digestOnce.Do(func() {
		f, err := p.bundle.Open(p.source)
		if err != nil {
			p.digestErr = p.sourceErr(err)
			return
		}
		defer func() {
			_ = f.Close()
		}()
		p.digest, err = digest.Canonical.FromReader(f)
		if err != nil {
			p.digestErr = fmt.Errorf("%w: reading %s: %w", ErrSourceMissing, p.source, err)
		}
	})
	return p.digest, p.digestErr
}

// Ensure makes sure the installed artifact matches the bundled one. It is
// safe to call repeatedly and from several goroutines or processes; at most
// one write happens while the bundle stays unchanged.
func (p *Provisioner) Ensure(ctx context.Context) (Status, error) {
	path := p.Path()
	status := Status{Path: path}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return status, fmt.Errorf("%w: creating directory %s: %w", ErrIO, p.dir, err)
	}

	want, err := p.Digest()
	if err != nil {
		return status, err
	}
	status.Digest = want

	have, err := fileDigest(path)
	switch {
	case err == nil && have == want:
		slog.DebugContext(ctx, "artifact up to date", "path", path, "digest", want.String())
		return status, nil
	case err == nil:
		slog.InfoContext(ctx, "artifact digest mismatch: replacing", "path", path, "have", have.String(), "want", want.String())
	case !errors.Is(err, fs.ErrNotExist):
		slog.WarnContext(ctx, "can't verify installed artifact: replacing", "path", path, "error", err)
	}

	data, err := fs.ReadFile(p.bundle, p.source)
	if err != nil {
		return status, p.sourceErr(err)
	}
	if got := digest.Canonical.FromBytes(data); got != want {
		return status, fmt.Errorf("%w: bundle changed while installing: have %s, want %s", ErrIO, got, want)
	}

	if err := atomicwriter.WriteFile(path, data, installPerm); err != nil {
		return status, fmt.Errorf("%w: writing %s: %w", ErrIO, path, err)
	}
	status.Refreshed = true
	slog.InfoContext(ctx, "artifact refreshed", "path", path, "digest", want.String())
	return status, nil
}

func (p *Provisioner) sourceErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSourceMissing, p.source)
	}
	return fmt.Errorf("%w: opening %s: %w", ErrSourceMissing, p.source, err)
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}
	return digest.Canonical.FromReader(f)
}
