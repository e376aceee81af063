package model

// Attribute is a named event property. Values are whatever the source
// produced; after a JSON round trip numbers come back as float64.
type Attribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Event is a single entry of an event log: one activity executed for one
// case at one point in time.
type Event struct {
	CaseID     string      `json:"caseId"`
	Activity   string      `json:"activity"`
	Timestamp  string      `json:"timestamp"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Attr returns the value of the first attribute called name.
func (e Event) Attr(name string) (any, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}
