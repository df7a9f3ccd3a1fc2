package types

// Event represents a typed event emitted during state transitions. Market
// operations emit one event per accepted transition; identity-valued
// attributes are hex encoded.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute, or the empty string when unset.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
