package keaconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/domain"
)

type exportPool struct {
	Pool string `json:"pool"`
}

type exportRelay struct {
	IPAddresses []string `json:"ip-addresses"`
}

type exportSubnet struct {
	ID          int64             `json:"id"`
	Subnet      string            `json:"subnet"`
	Pools       []exportPool      `json:"pools,omitempty"`
	Relay       *exportRelay      `json:"relay,omitempty"`
	UserContext map[string]string `json:"user-context,omitempty"`
}

const exportIndent = "            "

// Export renders persisted subnets as a Kea Dhcp6 configuration. comments
// maps a subnet id to the text written as a // comment above its entry,
// normally the hostname of the switch behind the subnet, so that Parse
// recovers it as a naming hint.
func Export(subnets []domain.Subnet, comments map[int64]string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n    \"Dhcp6\": {\n        \"subnet6\": [")

	for i, s := range subnets {
		entry := exportSubnet{
			ID:     s.EffectiveKeaID(),
			Subnet: s.Subnet,
		}
		if s.PoolStart != "" && s.PoolEnd != "" {
			entry.Pools = []exportPool{{Pool: s.PoolStart + " - " + s.PoolEnd}}
		}
		if s.RelayAddress != "" {
			entry.Relay = &exportRelay{IPAddresses: []string{s.RelayAddress}}
		}
		if s.CcapCore != "" {
			entry.UserContext = map[string]string{"ccap-core": s.CcapCore}
		}

		body, err := json.MarshalIndent(entry, exportIndent, "    ")
		if err != nil {
			return nil, fmt.Errorf("failed to render subnet %s: %w", s.Subnet, err)
		}

		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
		if c := sanitizeComment(comments[s.ID]); c != "" {
			buf.WriteString(exportIndent + "// " + c + "\n")
		}
		buf.WriteString(exportIndent)
		buf.Write(body)
	}

	buf.WriteString("\n        ]\n    }\n}\n")
	return buf.Bytes(), nil
}

func sanitizeComment(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(s))
}
