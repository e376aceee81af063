package model

import (
	"errors"
	"fmt"
)

var ErrInvalidNet = errors.New("invalid petri net")

// ArcKind tells which way an arc connects the two node kinds of a net.
type ArcKind int

const (
	PlaceToTransition ArcKind = iota + 1
	TransitionToPlace
)

func (k ArcKind) String() string {
	switch k {
	case PlaceToTransition:
		return "p2t"
	case TransitionToPlace:
		return "t2p"
	default:
		return fmt.Sprintf("ArcKind(%d)", int(k))
	}
}

func (k ArcKind) MarshalText() ([]byte, error) {
	switch k {
	case PlaceToTransition, TransitionToPlace:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown arc kind %d", int(k))
	}
}

func (k *ArcKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "p2t":
		*k = PlaceToTransition
	case "t2p":
		*k = TransitionToPlace
	default:
		return fmt.Errorf("unknown arc kind %q", text)
	}
	return nil
}

type Place struct {
	ID string `json:"id"`
}

type Transition struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Arc is an edge of the flow relation. Source and Target are node IDs; for
// PlaceToTransition the source is a place, for TransitionToPlace a
// transition.
type Arc struct {
	Kind   ArcKind `json:"kind"`
	Source string  `json:"source"`
	Target string  `json:"target"`
}

// PetriNet is the process model produced by the miner.
type PetriNet struct {
	Places      []Place      `json:"places"`
	Transitions []Transition `json:"transitions"`
	Arcs        []Arc        `json:"arcs"`
}

// Validate checks node ids are unique and every arc joins nodes of the kinds
// its Kind promises.
func (n PetriNet) Validate() error {
	places := make(map[string]struct{}, len(n.Places))
	for _, p := range n.Places {
		if p.ID == "" {
			return fmt.Errorf("%w: place with empty id", ErrInvalidNet)
		}
		if _, ok := places[p.ID]; ok {
			return fmt.Errorf("%w: duplicate place %q", ErrInvalidNet, p.ID)
		}
		places[p.ID] = struct{}{}
	}
	transitions := make(map[string]struct{}, len(n.Transitions))
	for _, t := range n.Transitions {
		if t.ID == "" {
			return fmt.Errorf("%w: transition with empty id", ErrInvalidNet)
		}
		if _, ok := transitions[t.ID]; ok {
			return fmt.Errorf("%w: duplicate transition %q", ErrInvalidNet, t.ID)
		}
		if _, ok := places[t.ID]; ok {
			return fmt.Errorf("%w: id %q used by a place and a transition", ErrInvalidNet, t.ID)
		}
		transitions[t.ID] = struct{}{}
	}

	for _, a := range n.Arcs {
		var src, dst map[string]struct{}
		switch a.Kind {
		case PlaceToTransition:
			src, dst = places, transitions
		case TransitionToPlace:
			src, dst = transitions, places
		default:
			return fmt.Errorf("%w: arc %s->%s has unknown kind", ErrInvalidNet, a.Source, a.Target)
		}
		if _, ok := src[a.Source]; !ok {
			return fmt.Errorf("%w: %s arc source %q not found", ErrInvalidNet, a.Kind, a.Source)
		}
		if _, ok := dst[a.Target]; !ok {
			return fmt.Errorf("%w: %s arc target %q not found", ErrInvalidNet, a.Kind, a.Target)
		}
	}
	return nil
}

// Outcome is what mining a single event yields. Net is nil unless OK.
type Outcome struct {
	Net *PetriNet
	OK  bool
}
