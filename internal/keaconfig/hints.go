package keaconfig

import (
	"regexp"
	"strings"
)

var (
	// ABC-1234-CIN001 style site/device tokens
	siteDeviceToken = regexp.MustCompile(`(?i)\b[A-Z]{2,6}-\d{2,6}-[A-Z]{2,6}\d{1,4}\b`)
	// CIN-Building4, cin_core-2
	cinToken = regexp.MustCompile(`(?i)\bCIN[-_][A-Za-z0-9][A-Za-z0-9._-]*`)
	// CCAP-East1, ccap_7
	ccapToken = regexp.MustCompile(`(?i)\bCCAP[-_][A-Za-z0-9][A-Za-z0-9._-]*`)
)

// Hints holds names suggested by a comment.
type Hints struct {
	CinName  string
	CcapName string
}

// ExtractHints looks for switch and CCAP naming tokens in comment text.
// Unrecognized text yields empty hints.
func ExtractHints(text string) Hints {
	var h Hints

	for _, tok := range siteDeviceToken.FindAllString(text, -1) {
		device := tok[strings.LastIndex(tok, "-")+1:]
		if strings.HasPrefix(strings.ToUpper(device), "CCAP") {
			if h.CcapName == "" {
				h.CcapName = tok
			}
			continue
		}
		if h.CinName == "" {
			h.CinName = tok
		}
	}

	if h.CinName == "" {
		if tok := cinToken.FindString(text); tok != "" {
			h.CinName = strings.TrimRight(tok, ".-_")
		}
	}
	if h.CcapName == "" {
		if tok := ccapToken.FindString(text); tok != "" {
			h.CcapName = strings.TrimRight(tok, ".-_")
		}
	}

	return h
}
