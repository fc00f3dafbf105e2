package keamodels

// Kea control channel result codes.
const (
	ResultSuccess     = 0
	ResultError       = 1
	ResultUnsupported = 2
	ResultEmpty       = 3
	ResultConflict    = 4
)

// Request is one command sent to the Kea Control Agent.
type Request struct {
	Command string         `json:"command"`
	Service []string       `json:"service,omitempty"` // e.g. ["dhcp6"]
	Args    map[string]any `json:"arguments,omitempty"`
}

// Response is the answer of a single Kea daemon to a Request.
type Response struct {
	Result    int            `json:"result"`
	Text      string         `json:"text"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
