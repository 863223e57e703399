// Package netmode defines the network modes a lab can run in and the
// on-disk store that remembers the mode chosen for each lab.
//
// Modes are persisted as one file per lab under the mode directory so
// they survive container recreation. Older deployments stored the mode
// in a container label instead; resolution falls back to that label and
// finally to ModeNone, so a lab with no recorded mode is always treated
// as fully isolated.
package netmode

import (
	"fmt"
	"strings"
)

// Mode is a lab network mode.
type Mode int

const (
	// ModeNone detaches the lab from all networks.
	ModeNone Mode = iota
	// ModePackages attaches the lab to the package-mirror network only.
	ModePackages
	// ModeWeb allows outbound HTTP and HTTPS plus package mirrors.
	ModeWeb
	// ModeOpen places the lab on the default bridge with no restrictions.
	ModeOpen
)

// All lists every mode in display order.
func All() []Mode {
	return []Mode{ModeNone, ModePackages, ModeWeb, ModeOpen}
}

// String returns the canonical name used in files, labels, and the API.
func (m Mode) String() string {
	switch m {
	case ModePackages:
		return "packages"
	case ModeWeb:
		return "web"
	case ModeOpen:
		return "open"
	default:
		return "none"
	}
}

// Display returns the uppercase name shown inside the lab (ISOLAB_NET_MODE).
func (m Mode) Display() string {
	switch m {
	case ModePackages:
		return "PACKAGES"
	case ModeWeb:
		return "WEB"
	case ModeOpen:
		return "OPEN"
	default:
		return "ISOLATED"
	}
}

// Parse converts a canonical mode name into a Mode.
func Parse(s string) (Mode, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "none":
		return ModeNone, nil
	case "packages":
		return ModePackages, nil
	case "web":
		return ModeWeb, nil
	case "open":
		return ModeOpen, nil
	default:
		return ModeNone, fmt.Errorf("unknown network mode %q", s)
	}
}

// FromLegacyLabel translates the historical isolab.net container label
// into a Mode. Older releases wrote "--net=<mode>" values and called the
// unrestricted mode "full". Anything unrecognized resolves to ModeNone:
// a lab whose mode cannot be determined must stay isolated.
func FromLegacyLabel(label string) Mode {
	switch strings.TrimSpace(label) {
	case "", "none", "--net=none":
		return ModeNone
	case "packages", "--net=packages":
		return ModePackages
	case "web":
		return ModeWeb
	case "open", "full", "--net=full":
		return ModeOpen
	default:
		return ModeNone
	}
}
