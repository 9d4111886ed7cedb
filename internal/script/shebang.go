package script

import (
	"strings"

	"github.com/dreamware/hotslot/internal/resp"
)

// Flags are the options a script declares in its shebang line.
type Flags struct {
	// AllowCrossSlot lets the script touch keys of more than one slot.
	// Its caller's slot is then invalidated for statistics.
	AllowCrossSlot bool
	// NoWrites rejects write commands issued by the script.
	NoWrites bool
}

const shebangPrefix = "#!"

// ParseShebang splits an optional "#!lua flags=a,b" first line from the
// script body. A script without a shebang gets zero Flags.
func ParseShebang(src string) (Flags, string, error) {
	var flags Flags
	if !strings.HasPrefix(src, shebangPrefix) {
		return flags, src, nil
	}

	line, body, _ := strings.Cut(src, "\n")
	fields := strings.Fields(strings.TrimPrefix(line, shebangPrefix))
	if len(fields) == 0 || fields[0] != "lua" {
		return flags, "", resp.Errorf("ERR Could not find engine '%s'", strings.TrimPrefix(line, shebangPrefix))
	}
	for _, field := range fields[1:] {
		list, ok := strings.CutPrefix(field, "flags=")
		if !ok {
			return flags, "", resp.Errorf("ERR Unknown lua shebang option: %s", field)
		}
		for _, name := range strings.Split(list, ",") {
			switch name {
			case "":
			case "allow-cross-slot-keys":
				flags.AllowCrossSlot = true
			case "no-writes":
				flags.NoWrites = true
			default:
				return flags, "", resp.Errorf("ERR Unexpected flag in script shebang: %s", name)
			}
		}
	}
	// Keep line numbers in error messages aligned with the source.
	return flags, "\n" + body, nil
}
