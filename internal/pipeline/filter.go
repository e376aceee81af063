package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/cases"

	"github.com/dapm/minerop/internal/model"
)

const departmentAttr = "department"

// DepartmentFilter passes events whose department attribute equals the
// configured department, compared case-insensitively. Events without the
// attribute are dropped. Not safe for concurrent use.
type DepartmentFilter struct {
	department string
	fold       cases.Caser
	meter      *Meter
	now        func() time.Time
}

func NewDepartmentFilter(department string) *DepartmentFilter {
	fold := cases.Fold()
	return &DepartmentFilter{
		department: fold.String(department),
		fold:       fold,
		meter:      NewMeter(time.Now()),
		now:        time.Now,
	}
}

// Accept reports whether e belongs to the configured department.
func (f *DepartmentFilter) Accept(ctx context.Context, e model.Event) bool {
	if n, ok := f.meter.Tick(f.now()); ok {
		slog.InfoContext(ctx, "filter: events processed in last second", "count", n)
	}
	v, ok := e.Attr(departmentAttr)
	if !ok || v == nil {
		return false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return f.fold.String(s) == f.department
}
