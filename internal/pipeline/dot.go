package pipeline

import (
	"strings"

	"github.com/dapm/minerop/internal/model"
)

// DOT renders n as a Graphviz digraph: places are green circles, transitions
// blue boxes. Arcs whose endpoints are not in the net are left out.
func DOT(n model.PetriNet) string {
	var b strings.Builder
	b.WriteString("digraph \"petriNet\" {\n")

	nodes := make(map[string]struct{}, len(n.Places)+len(n.Transitions))
	for _, p := range n.Places {
		nodes[p.ID] = struct{}{}
		b.WriteString("\t" + quote(p.ID) + " [shape=circle, color=green]\n")
	}
	for _, t := range n.Transitions {
		nodes[t.ID] = struct{}{}
		b.WriteString("\t" + quote(t.ID) + " [shape=box, color=blue")
		if t.Label != "" && t.Label != t.ID {
			b.WriteString(", label=" + quote(t.Label))
		}
		b.WriteString("]\n")
	}

	for _, kind := range []model.ArcKind{model.PlaceToTransition, model.TransitionToPlace} {
		for _, a := range n.Arcs {
			if a.Kind != kind {
				continue
			}
			_, src := nodes[a.Source]
			_, dst := nodes[a.Target]
			if !src || !dst {
				continue
			}
			b.WriteString("\t" + quote(a.Source) + " -> " + quote(a.Target) + "\n")
		}
	}
	b.WriteString("}\n")
	return b.String()
}

var dotEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func quote(id string) string {
	return `"` + dotEscaper.Replace(id) + `"`
}
