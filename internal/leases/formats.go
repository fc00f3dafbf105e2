package leases

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/jbweber/homelab/keaport/internal/domain"
)

// Format of a lease dump
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ErrInvalidFormat means the file as a whole could not be read as leases.
var ErrInvalidFormat = errors.New("invalid lease file")

// stateExpiredReclaimed marks a lease Kea already reclaimed.
const stateExpiredReclaimed = 2

// row is one parsed input record. Err is set when the record itself is
// malformed; such rows are counted as invalid.
type row struct {
	Lease domain.Lease
	State int
	Err   error
}

// DetectFormat picks the format from the file name, falling back to the
// first non-blank byte of data.
func DetectFormat(name string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return FormatJSON
	}
	return FormatCSV
}

func parseRows(format Format, data []byte) ([]row, error) {
	if format == FormatJSON {
		return parseJSON(data)
	}
	return parseCSV(data)
}

var leaseTypes = map[string]string{
	"0": "IA_NA",
	"1": "IA_TA",
	"2": "IA_PD",
}

// parseCSV reads a Kea memfile lease6 file. Kea writes commas inside
// values as "&#x2c".
func parseCSV(data []byte) ([]row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidFormat)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"address", "duid", "valid_lifetime", "subnet_id"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidFormat, required)
		}
	}
	_, hasExpire := cols["expire"]
	_, hasCLTT := cols["cltt"]
	if !hasExpire && !hasCLTT {
		return nil, fmt.Errorf("%w: missing column \"expire\" or \"cltt\"", ErrInvalidFormat)
	}

	var rows []row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rows = append(rows, row{Lease: domain.Lease{Line: perr.Line}, Err: err})
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, csvRow(rec, cols, line))
	}
	return rows, nil
}

func csvRow(rec []string, cols map[string]int, line int) row {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.ReplaceAll(strings.TrimSpace(rec[i]), "&#x2c", ",")
	}

	out := row{Lease: domain.Lease{
		Address:   field("address"),
		DUID:      field("duid"),
		HWAddress: field("hwaddr"),
		Hostname:  field("hostname"),
		Line:      line,
	}}
	fail := func(col string, err error) row {
		out.Err = fmt.Errorf("column %s: %w", col, err)
		return out
	}

	valid, err := strconv.ParseUint(field("valid_lifetime"), 10, 32)
	if err != nil {
		return fail("valid_lifetime", err)
	}
	out.Lease.ValidLifetime = uint32(valid)

	subnetID, err := strconv.ParseInt(field("subnet_id"), 10, 64)
	if err != nil {
		return fail("subnet_id", err)
	}
	out.Lease.SubnetID = subnetID

	if v := field("cltt"); v != "" {
		cltt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fail("cltt", err)
		}
		out.Lease.CLTT = cltt
	} else {
		expire, err := strconv.ParseInt(field("expire"), 10, 64)
		if err != nil {
			return fail("expire", err)
		}
		out.Lease.CLTT = expire - int64(valid)
	}

	if v := field("pref_lifetime"); v != "" {
		pref, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fail("pref_lifetime", err)
		}
		out.Lease.PreferredLifetime = uint32(pref)
	}
	if v := field("iaid"); v != "" {
		iaid, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fail("iaid", err)
		}
		out.Lease.IAID = uint32(iaid)
	}
	if v := field("prefix_len"); v != "" {
		plen, err := strconv.Atoi(v)
		if err != nil {
			return fail("prefix_len", err)
		}
		out.Lease.PrefixLen = plen
	}
	if v := field("lease_type"); v != "" {
		t, ok := leaseTypes[v]
		if !ok {
			return fail("lease_type", fmt.Errorf("unknown lease type %q", v))
		}
		out.Lease.Type = t
	}
	if v := field("state"); v != "" {
		state, err := strconv.Atoi(v)
		if err != nil {
			return fail("state", err)
		}
		out.State = state
	}
	return out
}

// jsonLease is a lease object as returned by lease6-get-all.
type jsonLease struct {
	Address           string `mapstructure:"ip-address"`
	DUID              string `mapstructure:"duid"`
	HWAddress         string `mapstructure:"hw-address"`
	IAID              uint32 `mapstructure:"iaid"`
	SubnetID          int64  `mapstructure:"subnet-id"`
	CLTT              int64  `mapstructure:"cltt"`
	Expire            int64  `mapstructure:"expire"`
	ValidLifetime     uint32 `mapstructure:"valid-lft"`
	PreferredLifetime uint32 `mapstructure:"preferred-lft"`
	Hostname          string `mapstructure:"hostname"`
	Type              string `mapstructure:"type"`
	PrefixLen         int    `mapstructure:"prefix-len"`
	State             int    `mapstructure:"state"`
}

// parseJSON accepts a bare array of leases, {"leases": [...]}, or a Kea
// command response (single or wrapped in an array).
func parseJSON(data []byte) ([]row, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	items, err := leaseItems(doc)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for i, item := range items {
		var jl jsonLease
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &jl,
			WeaklyTypedInput: true,
			TagName:          "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		r := row{Lease: domain.Lease{Line: i + 1}}
		if err := dec.Decode(item); err != nil {
			r.Err = err
			rows = append(rows, r)
			continue
		}
		cltt := jl.CLTT
		if cltt == 0 && jl.Expire != 0 {
			cltt = jl.Expire - int64(jl.ValidLifetime)
		}
		r.Lease = domain.Lease{
			Address:           jl.Address,
			DUID:              jl.DUID,
			HWAddress:         jl.HWAddress,
			IAID:              jl.IAID,
			SubnetID:          jl.SubnetID,
			CLTT:              cltt,
			ValidLifetime:     jl.ValidLifetime,
			PreferredLifetime: jl.PreferredLifetime,
			Hostname:          jl.Hostname,
			Type:              jl.Type,
			PrefixLen:         jl.PrefixLen,
			Line:              i + 1,
		}
		r.State = jl.State
		rows = append(rows, r)
	}
	return rows, nil
}

func leaseItems(doc any) ([]any, error) {
	switch v := doc.(type) {
	case []any:
		// a Kea response array wraps one object per daemon
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				if _, isResp := m["arguments"]; isResp {
					return leaseItems(m)
				}
			}
		}
		return v, nil
	case map[string]any:
		if leases, ok := v["leases"].([]any); ok {
			return leases, nil
		}
		if args, ok := v["arguments"].(map[string]any); ok {
			return leaseItems(args)
		}
	}
	return nil, fmt.Errorf("%w: no leases found", ErrInvalidFormat)
}
