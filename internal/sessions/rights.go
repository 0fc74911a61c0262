package sessions

import (
	"sort"
	"strings"

	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Rights is a set of capabilities granted to a device.
type Rights uint8

const (
	RightInput Rights = 1 << iota
	RightFileTransfer
	RightPowerControl
	RightStreamView

	RightsAll = RightInput | RightFileTransfer | RightPowerControl | RightStreamView
)

var rightNames = map[Rights]string{
	RightInput:        "input",
	RightFileTransfer: "file_transfer",
	RightPowerControl: "power_control",
	RightStreamView:   "stream_view",
}

// Has reports whether every right in want is present.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Names lists the rights in a stable order.
func (r Rights) Names() []string {
	out := make([]string, 0, 4)
	for _, bit := range []Rights{RightInput, RightFileTransfer, RightPowerControl, RightStreamView} {
		if r&bit != 0 {
			out = append(out, rightNames[bit])
		}
	}
	return out
}

func (r Rights) String() string { return strings.Join(r.Names(), ",") }

// RightName returns the wire name of a single right.
func RightName(r Rights) string { return rightNames[r] }

// ParseRights accepts wire names; "file-transfer" style spellings are
// accepted too. Unknown names are an INVALID_REQUEST.
func ParseRights(names []string) (Rights, error) {
	var r Rights
	for _, n := range names {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(n)), "-", "_")
		found := false
		for bit, name := range rightNames {
			if name == key {
				r |= bit
				found = true
				break
			}
		}
		if !found {
			valid := make([]string, 0, len(rightNames))
			for _, name := range rightNames {
				valid = append(valid, name)
			}
			sort.Strings(valid)
			return 0, protocol.Errorf(protocol.CodeInvalidRequest, "unknown right %q (valid: %s)", n, strings.Join(valid, ", "))
		}
	}
	return r, nil
}
