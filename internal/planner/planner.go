// Package planner turns operator selections into a validated import plan.
package planner

import (
	"fmt"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/netutil"
	"github.com/jbweber/homelab/keaport/internal/topology"
)

// Action is what the executor does with one subnet
type Action string

const (
	ActionCreate    Action = "create"
	ActionDedicated Action = "dedicated"
	ActionSkip      Action = "skip"
	ActionLink      Action = "link"
)

// ParseAction maps an action name to an Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionDedicated, ActionSkip, ActionLink:
		return a, true
	}
	return "", false
}

// Selection is the operator's choice for one previewed subnet
type Selection struct {
	Subnet      string `json:"subnet"`
	Action      string `json:"action,omitempty"`
	CinName     string `json:"cin_name,omitempty"`
	CinIP       string `json:"cin_ip,omitempty"`
	BviNumber   *int   `json:"bvi_number,omitempty"`
	BviID       *int64 `json:"bvi_id,omitempty"`
	IsDedicated bool   `json:"is_dedicated,omitempty"`
}

// Item is one validated unit of work
type Item struct {
	Parsed    domain.ParsedSubnet
	Action    Action
	CinName   string
	CinIP     string
	BviNumber int
	BviID     *int64
	Exists    bool
}

// Plan is the ordered list of valid items
type Plan struct {
	Items []Item
}

// ValidationError explains why a selection was excluded from the plan
type ValidationError struct {
	Subnet  string `json:"subnet"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Subnet, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Subnet, e.Message)
}

// Build validates selections against a match result. Invalid selections are
// reported and left out; the remaining items keep selection order.
func Build(result topology.Result, selections []Selection) (*Plan, []ValidationError) {
	plan := &Plan{}
	var errs []ValidationError
	seen := map[string]bool{}
	linked := map[int64]string{}

	for _, sel := range selections {
		item, err := buildItem(result, sel)
		if err != nil {
			errs = append(errs, *err)
			continue
		}
		key := item.Parsed.Subnet
		if seen[key] {
			errs = append(errs, ValidationError{Subnet: sel.Subnet, Message: "subnet selected more than once"})
			continue
		}
		seen[key] = true

		if item.Action == ActionLink {
			if other, ok := linked[*item.BviID]; ok {
				errs = append(errs, ValidationError{
					Subnet:  sel.Subnet,
					Field:   "bvi_id",
					Message: fmt.Sprintf("interface %d is already selected for %s", *item.BviID, other),
				})
				continue
			}
			linked[*item.BviID] = key
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, errs
}

func buildItem(result topology.Result, sel Selection) (Item, *ValidationError) {
	invalid := func(field, format string, args ...any) *ValidationError {
		return &ValidationError{Subnet: sel.Subnet, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(sel.Subnet) == "" {
		return Item{}, invalid("subnet", "subnet is required")
	}
	match, ok := result.Find(sel.Subnet)
	if !ok {
		return Item{}, invalid("subnet", "subnet is not part of the preview")
	}
	if match.Warning == topology.WarningInvalidPrefix {
		return Item{}, invalid("subnet", "subnet prefix is invalid")
	}

	var action Action
	switch {
	case sel.Action != "":
		a, ok := ParseAction(sel.Action)
		if !ok {
			return Item{}, invalid("action", "unknown action %q", sel.Action)
		}
		action = a
	case sel.IsDedicated:
		action = ActionDedicated
	case match.Parsed.Exists:
		action = ActionSkip
	default:
		return Item{}, invalid("action", "action is required for a new subnet")
	}

	item := Item{
		Parsed:    match.Parsed,
		Action:    action,
		BviNumber: domain.DefaultBviNumber,
		Exists:    match.Parsed.Exists,
	}

	if relay := match.Parsed.RelayAddress; relay != "" && action != ActionSkip && !netutil.IsIPv6(relay) {
		return Item{}, invalid("relay", "relay address %q is not an IPv6 address", relay)
	}

	switch action {
	case ActionCreate:
		item.CinName = strings.TrimSpace(sel.CinName)
		if item.CinName == "" {
			return Item{}, invalid("cin_name", "cin_name is required for create")
		}
		if strings.TrimSpace(sel.CinIP) == "" {
			return Item{}, invalid("cin_ip", "cin_ip is required for create")
		}
		ip, err := netutil.NormalizeAddr(sel.CinIP)
		if err != nil {
			return Item{}, invalid("cin_ip", "%q is not an IPv6 address", sel.CinIP)
		}
		item.CinIP = ip
		if sel.BviNumber != nil {
			if *sel.BviNumber < 1 || *sel.BviNumber > 4095 {
				return Item{}, invalid("bvi_number", "bvi_number %d out of range", *sel.BviNumber)
			}
			item.BviNumber = *sel.BviNumber
		}
	case ActionLink:
		if sel.BviID == nil {
			return Item{}, invalid("bvi_id", "bvi_id is required for link")
		}
		if !result.BviAvailable(*sel.BviID) {
			return Item{}, invalid("bvi_id", "interface %d does not exist or is already linked", *sel.BviID)
		}
		id := *sel.BviID
		item.BviID = &id
	}
	return item, nil
}

// Counts returns how many items carry each action.
func (p *Plan) Counts() map[Action]int {
	out := map[Action]int{}
	for _, it := range p.Items {
		out[it.Action]++
	}
	return out
}
