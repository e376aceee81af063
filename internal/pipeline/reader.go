package pipeline

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/dapm/minerop/internal/codec"
	"github.com/dapm/minerop/internal/model"
)

// ReaderSource reads events from r, one JSON document per line. Malformed
// lines are logged and skipped.
type ReaderSource struct {
	r io.Reader
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// Run sends every decoded event to out. It returns nil at end of input.
func (s *ReaderSource) Run(ctx context.Context, out chan<- model.Event) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e, err := codec.DecodeEvent(line)
		if err != nil {
			slog.WarnContext(ctx, "skipping event", "line", lineNo, "error", err)
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
