package types

// Event represents a typed state change emitted while administering a deal.
// Attributes are flat strings so events serialise identically into the audit
// log, the explorer index, and API responses.
type Event struct {
	Sequence   uint64            `json:"sequence,omitempty"`
	DealID     string            `json:"dealId"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone deep-copies the event so stored records cannot be mutated through a
// retained reference.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Sequence: e.Sequence, DealID: e.DealID, Type: e.Type}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
