package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/dapm/minerop/internal/model"
)

const (
	Emergency  = "Emergency"
	maxActive  = 100
	newCaseP   = 0.4
	caseIDBase = 1000
)

var departments = []string{Emergency, "Cardiology", "Neurology", "Oncology", "Pediatrics"}

var emergencyFlow = []string{"ADMISSION", "TRIAGE", "DIAGNOSIS", "TREATMENT", "DISCHARGE"}

var variants = [][]string{
	{"ADMISSION", "DIAGNOSIS", "LAB_TEST", "TREATMENT", "DISCHARGE"},
	{"ADMISSION", "TRIAGE", "DIAGNOSIS", "DISCHARGE"},
	{"ADMISSION", "TRIAGE", "DIAGNOSIS", "TREATMENT", "TREATMENT", "DISCHARGE"},
}

type patient struct {
	department string
	steps      []string
}

// HospitalSource generates hospital workflow events. Emergency cases always
// follow the same sequential flow, other departments pick one of a few
// variants per case. Several cases are active at once and interleave.
type HospitalSource struct {
	rng    *rand.Rand
	rate   int
	now    func() time.Time
	cases  map[string]*patient
	active []string // case ids, in start order
}

// NewHospitalSource returns a generator producing about rate events per
// second. A zero seed seeds from the clock.
func NewHospitalSource(seed int64, rate int) *HospitalSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &HospitalSource{
		rng:   rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
		rate:  rate,
		now:   time.Now,
		cases: make(map[string]*patient),
	}
}

// WithClock replaces the source of event timestamps.
func (s *HospitalSource) WithClock(now func() time.Time) *HospitalSource {
	s.now = now
	return s
}

// Next advances a random active case by one step. It returns false when
// no event was produced this round, either because no case is active or
// because the picked case just finished.
func (s *HospitalSource) Next() (model.Event, bool) {
	if len(s.active) < maxActive && s.rng.Float64() < newCaseP {
		s.startCase()
	}
	if len(s.active) == 0 {
		return model.Event{}, false
	}

	idx := s.rng.IntN(len(s.active))
	caseID := s.active[idx]
	p := s.cases[caseID]
	if len(p.steps) == 0 {
		s.active = append(s.active[:idx], s.active[idx+1:]...)
		delete(s.cases, caseID)
		return model.Event{}, false
	}

	activity := p.steps[0]
	p.steps = p.steps[1:]

	return model.Event{
		CaseID:    caseID,
		Activity:  activity,
		Timestamp: strconv.FormatInt(s.now().UnixMilli(), 10),
		Attributes: []model.Attribute{
			{Name: "department", Value: p.department},
			{Name: "doctor", Value: "Dr." + string(rune('A'+s.rng.IntN(26)))},
			{Name: "severity", Value: s.rng.IntN(5) + 1},
		},
	}, true
}

func (s *HospitalSource) startCase() {
	caseID := "PAT-" + strconv.Itoa(caseIDBase+s.rng.IntN(9000))
	if _, ok := s.cases[caseID]; ok {
		return
	}
	department := departments[s.rng.IntN(len(departments))]
	flow := emergencyFlow
	if department != Emergency {
		flow = variants[s.rng.IntN(len(variants))]
	}
	s.cases[caseID] = &patient{
		department: department,
		steps:      append([]string(nil), flow...),
	}
	s.active = append(s.active, caseID)
}

// Run emits generated events on out until ctx is done. It returns ctx.Err().
func (s *HospitalSource) Run(ctx context.Context, out chan<- model.Event) error {
	if s.rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", s.rate)
	}
	ticker := time.NewTicker(max(time.Second/time.Duration(s.rate), time.Microsecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e, ok := s.Next()
			if !ok {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
