// Package keaconfig reads and writes Kea DHCPv6 server configurations.
package keaconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/netutil"
)

// ParsedConfig is the structured result of Parse
type ParsedConfig struct {
	Subnets    []domain.ParsedSubnet
	Comments   []Comment
	OptionDefs []domain.OptionDef
}

type rawPool struct {
	Pool string `mapstructure:"pool"`
}

type rawRelay struct {
	IPAddresses []string `mapstructure:"ip-addresses"`
	IPAddress   string   `mapstructure:"ip-address"`
}

type rawOption struct {
	Name      string `mapstructure:"name"`
	Code      int    `mapstructure:"code"`
	Space     string `mapstructure:"space"`
	Data      string `mapstructure:"data"`
	CsvFormat *bool  `mapstructure:"csv-format"`
}

type rawReservation struct {
	DUID        string   `mapstructure:"duid"`
	HWAddress   string   `mapstructure:"hw-address"`
	IPAddresses []string `mapstructure:"ip-addresses"`
	Prefixes    []string `mapstructure:"prefixes"`
	Hostname    string   `mapstructure:"hostname"`
}

type rawSubnet struct {
	ID           int64            `mapstructure:"id"`
	Subnet       string           `mapstructure:"subnet"`
	Pools        []rawPool        `mapstructure:"pools"`
	Relay        rawRelay         `mapstructure:"relay"`
	OptionData   []rawOption      `mapstructure:"option-data"`
	Reservations []rawReservation `mapstructure:"reservations"`
	UserContext  map[string]any   `mapstructure:"user-context"`
}

type rawSharedNetwork struct {
	Name    string `mapstructure:"name"`
	Subnet6 []any  `mapstructure:"subnet6"`
}

type rawOptionDef struct {
	Name  string `mapstructure:"name"`
	Code  int    `mapstructure:"code"`
	Space string `mapstructure:"space"`
	Type  string `mapstructure:"type"`
	Array bool   `mapstructure:"array"`
}

func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Parse extracts subnet6 entries from a Kea DHCPv6 configuration. Comments
// are allowed and a comment directly above a subnet6 entry is mined for
// switch and CCAP names. Parse either returns every subnet or a *ParseError.
func Parse(raw []byte) (*ParsedConfig, error) {
	clean, comments := StripComments(raw)
	lines := newLineIndex(clean)

	var doc map[string]any
	if err := json.Unmarshal(clean, &doc); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, &ParseError{
				Kind:   ErrMalformedJSON,
				Line:   lines.line(syntaxErr.Offset),
				Column: lines.column(syntaxErr.Offset),
				Err:    err,
			}
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ParseError{Kind: ErrMissingSection, Err: errors.New("top level is not an object")}
		}
		return nil, &ParseError{Kind: ErrMalformedJSON, Err: err}
	}

	dhcp6, ok := doc["Dhcp6"].(map[string]any)
	if !ok {
		return nil, &ParseError{Kind: ErrMissingSection}
	}

	cfg := &ParsedConfig{Comments: comments}

	if defs, ok := dhcp6["option-def"].([]any); ok {
		for _, d := range defs {
			var rd rawOptionDef
			if err := decode(d, &rd); err != nil {
				continue
			}
			cfg.OptionDefs = append(cfg.OptionDefs, domain.OptionDef{
				Name: rd.Name, Code: rd.Code, Space: rd.Space, Type: domain.OptionType(rd.Type), Array: rd.Array,
			})
		}
	}

	p := &parser{
		positions:  locateSubnets(clean, lines),
		comments:   comments,
		cleanLines: strings.Split(string(clean), "\n"),
		defs:       cfg.OptionDefs,
	}

	if list, ok := dhcp6["subnet6"].([]any); ok {
		for i, entry := range list {
			cfg.Subnets = append(cfg.Subnets, p.subnet(entry, fmt.Sprintf("Dhcp6/subnet6/%d", i), ""))
		}
	}

	if networks, ok := dhcp6["shared-networks"].([]any); ok {
		for n, entry := range networks {
			var sn rawSharedNetwork
			if err := decode(entry, &sn); err != nil {
				continue
			}
			for i, s := range sn.Subnet6 {
				path := fmt.Sprintf("Dhcp6/shared-networks/%d/subnet6/%d", n, i)
				cfg.Subnets = append(cfg.Subnets, p.subnet(s, path, sn.Name))
			}
		}
	}

	if len(cfg.Subnets) == 0 {
		return nil, &ParseError{Kind: ErrNoSubnets}
	}

	sort.SliceStable(cfg.Subnets, func(i, j int) bool {
		return cfg.Subnets[i].Line < cfg.Subnets[j].Line
	})

	return cfg, nil
}

type parser struct {
	positions  map[string]*subnetPos
	comments   []Comment
	cleanLines []string
	defs       []domain.OptionDef
}

func (p *parser) subnet(entry any, path, sharedNetwork string) domain.ParsedSubnet {
	ps := domain.ParsedSubnet{SharedNetwork: sharedNetwork}

	pos := p.positions[path]
	if pos != nil {
		ps.Line = pos.subnetKey
		if ps.Line == 0 {
			ps.Line = pos.start
		}
		hints := p.hintsFor(pos)
		ps.SuggestedCinName = hints.CinName
		ps.SuggestedCcapName = hints.CcapName
	}

	var rs rawSubnet
	if err := decode(entry, &rs); err != nil {
		ps.Warnings = append(ps.Warnings, fmt.Sprintf("unreadable subnet6 entry: %v", err))
		return ps
	}

	ps.KeaID = rs.ID
	ps.Subnet = strings.TrimSpace(rs.Subnet)
	if normalized, err := netutil.NormalizePrefix(ps.Subnet); err == nil {
		ps.Subnet = normalized
	} else {
		ps.Warnings = append(ps.Warnings, err.Error())
	}

	if len(rs.Pools) > 0 {
		start, end, err := netutil.ParsePoolRange(rs.Pools[0].Pool)
		if err != nil {
			ps.Warnings = append(ps.Warnings, err.Error())
		} else {
			ps.PoolStart, ps.PoolEnd = start, end
		}
	} else if pool, err := netutil.DefaultPool(ps.Subnet); err == nil {
		ps.PoolStart, ps.PoolEnd = pool.Start.String(), pool.End.String()
	}

	relay := rs.Relay.IPAddress
	if len(rs.Relay.IPAddresses) > 0 {
		relay = rs.Relay.IPAddresses[0]
	}
	if relay != "" {
		if addr, err := netutil.NormalizeAddr(relay); err == nil {
			ps.RelayAddress = addr
		} else {
			ps.RelayAddress = relay
			ps.Warnings = append(ps.Warnings, fmt.Sprintf("relay: %v", err))
		}
	}

	for _, ro := range rs.OptionData {
		opt, err := p.option(ro)
		if err != nil {
			ps.Warnings = append(ps.Warnings, err.Error())
		}
		ps.Options = append(ps.Options, opt)
	}

	for _, rr := range rs.Reservations {
		ps.Reservations = append(ps.Reservations, domain.Reservation{
			DUID:        rr.DUID,
			HWAddress:   rr.HWAddress,
			IPAddresses: rr.IPAddresses,
			Prefixes:    rr.Prefixes,
			Hostname:    rr.Hostname,
		})
	}

	ps.CcapCore = ccapCore(rs.UserContext, ps.Options)

	return ps
}

// option decodes one option-data entry. A value that fails validation is
// kept as raw text and reported through the returned error.
func (p *parser) option(ro rawOption) (domain.Option, error) {
	space := ro.Space
	if space == "" {
		space = domain.DefaultOptionSpace
	}
	opt := domain.Option{Name: ro.Name, Code: ro.Code, Space: space, Data: ro.Data}

	if def, ok := domain.LookupOptionDef(p.defs, ro.Name, ro.Code, space); ok {
		if opt.Name == "" {
			opt.Name = def.Name
		}
		if opt.Code == 0 {
			opt.Code = def.Code
		}
		opt.Type = def.Type
		opt.Array = def.Array
	}
	if ro.CsvFormat != nil && !*ro.CsvFormat {
		opt.Type = domain.OptionTypeBinary
		opt.Array = false
	}

	v, err := domain.DecodeOptionValue(opt.Type, opt.Data, opt.Array)
	if err != nil {
		opt.Value = domain.RawValue{Kind: opt.Type, Text: opt.Data}
		return opt, fmt.Errorf("option %s: %w", optionLabel(opt), err)
	}
	opt.Value = v
	return opt, nil
}

func optionLabel(o domain.Option) string {
	if o.Name != "" {
		return o.Name
	}
	return strconv.Itoa(o.Code)
}

func ccapCore(userContext map[string]any, options []domain.Option) string {
	if s, ok := userContext["ccap-core"].(string); ok && s != "" {
		if addr, err := netutil.NormalizeAddr(s); err == nil {
			return addr
		}
		return s
	}
	for _, o := range options {
		if o.Name != "ccap-core" {
			continue
		}
		if v, ok := o.Value.(domain.IPv6AddressValue); ok && len(v.Addresses) > 0 {
			return v.Addresses[0].String()
		}
	}
	return ""
}

// hintsFor collects comments inside the head of the subnet object (up to its
// first key) and comments on the blank or comment-only lines directly above
// it, nearest first, and extracts names from them.
func (p *parser) hintsFor(pos *subnetPos) Hints {
	var candidates []Comment

	headEnd := pos.firstKey
	if headEnd == 0 {
		headEnd = pos.start
	}
	for _, c := range p.comments {
		if c.Line >= pos.start && c.Line <= headEnd {
			candidates = append(candidates, c)
		}
	}

	for line := pos.start - 1; line >= 1 && p.blankLine(line); line-- {
		for i := len(p.comments) - 1; i >= 0; i-- {
			if p.comments[i].EndLine == line {
				candidates = append(candidates, p.comments[i])
			}
		}
	}

	var h Hints
	for _, c := range candidates {
		found := ExtractHints(c.Text)
		if h.CinName == "" {
			h.CinName = found.CinName
		}
		if h.CcapName == "" {
			h.CcapName = found.CcapName
		}
		if h.CinName != "" && h.CcapName != "" {
			break
		}
	}
	return h
}

// blankLine reports whether the comment-stripped line carries no JSON
// besides a separating comma.
func (p *parser) blankLine(line int) bool {
	if line < 1 || line > len(p.cleanLines) {
		return false
	}
	s := strings.TrimSpace(p.cleanLines[line-1])
	return s == "" || s == ","
}

type subnetPos struct {
	start     int // line of the opening brace
	firstKey  int // line of the first key
	subnetKey int // line of the "subnet" key
}

type locator struct {
	dec   *json.Decoder
	lines lineIndex
	found map[string]*subnetPos
}

// locateSubnets walks the token stream of an already validated document and
// records where each subnet6 object starts.
func locateSubnets(clean []byte, lines lineIndex) map[string]*subnetPos {
	l := &locator{
		dec:   json.NewDecoder(bytes.NewReader(clean)),
		lines: lines,
		found: map[string]*subnetPos{},
	}
	_ = l.walk("")
	return l.found
}

func isSubnetPath(path string) bool {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 3:
		return parts[0] == "Dhcp6" && parts[1] == "subnet6"
	case 5:
		return parts[0] == "Dhcp6" && parts[1] == "shared-networks" && parts[3] == "subnet6"
	}
	return false
}

func joinPath(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "/" + elem
}

func (l *locator) walk(path string) error {
	tok, err := l.dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		var pos *subnetPos
		if isSubnetPath(path) {
			pos = &subnetPos{start: l.lines.line(l.dec.InputOffset() - 1)}
			l.found[path] = pos
		}
		for l.dec.More() {
			keyTok, err := l.dec.Token()
			if err != nil {
				return err
			}
			key, _ := keyTok.(string)
			if pos != nil {
				line := l.lines.line(l.dec.InputOffset() - 1)
				if pos.firstKey == 0 {
					pos.firstKey = line
				}
				if key == "subnet" {
					pos.subnetKey = line
				}
			}
			if err := l.walk(joinPath(path, key)); err != nil {
				return err
			}
		}
		_, err = l.dec.Token()
		return err

	case '[':
		for i := 0; l.dec.More(); i++ {
			if err := l.walk(joinPath(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
		_, err = l.dec.Token()
		return err
	}

	return nil
}
