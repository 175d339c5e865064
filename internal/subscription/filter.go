package subscription

import (
	"slices"
	"strings"
)

// Filter selects notifications by device and type.
type Filter struct {
	// Wildcard matches every device, and is the only way to receive
	// notifications that have no device.
	Wildcard bool

	// Devices lists device ids of interest. Ignored when Wildcard is set.
	Devices []string

	// Types restricts delivery to these type names. Empty means all types.
	Types []string
}

// normalized returns a sorted, de-duplicated copy of f.
func (f Filter) normalized() Filter {
	out := Filter{Wildcard: f.Wildcard, Types: dedupe(f.Types)}
	if !f.Wildcard {
		out.Devices = dedupe(f.Devices)
	}
	return out
}

// key identifies equivalent normalized filters.
func (f Filter) key() string {
	var b strings.Builder
	if f.Wildcard {
		b.WriteString("*")
	} else {
		b.WriteString("d:")
		b.WriteString(strings.Join(f.Devices, "\x00"))
	}
	b.WriteString("|t:")
	b.WriteString(strings.Join(f.Types, "\x00"))
	return b.String()
}

// matchesNothing reports whether f can never match a notification.
func (f Filter) matchesNothing() bool {
	return !f.Wildcard && len(f.Devices) == 0
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
