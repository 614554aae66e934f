package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Render produces the human-readable sync report for one manifest.
// Pure and side-effect free: same manifest in, same text out.
func Render(m *Manifest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Sync run %s\n", m.RunID)
	fmt.Fprintf(&sb, "Status:   %s", m.Status)
	if m.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", m.Reason)
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "Started:  %s\n", m.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Finished: %s\n", m.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Chain:    %s\n", strings.Join(m.Algorithms, " -> "))

	names := make([]string, 0, len(m.Adapters))
	for name := range m.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteString("Backends:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-12s %s\n", name, m.Adapters[name])
	}

	if len(m.Entries) == 0 {
		sb.WriteString("No entities touched.\n")
	} else {
		fmt.Fprintf(&sb, "Entities (%d):\n", len(m.Entries))
		for i := range m.Entries {
			e := &m.Entries[i]
			fmt.Fprintf(&sb, "  %s/%s: %s", e.Kind, e.EntityID, e.Status)
			if e.WinningBackend != "" {
				fmt.Fprintf(&sb, " (winner: %s)", e.WinningBackend)
			}
			sb.WriteByte('\n')
			if e.OldFingerprint != e.NewFingerprint {
				fmt.Fprintf(&sb, "    %s -> %s\n", shortDigest(e.OldFingerprint), shortDigest(e.NewFingerprint))
			}

			writeNames := make([]string, 0, len(e.Writes))
			for name := range e.Writes {
				writeNames = append(writeNames, name)
			}
			sort.Strings(writeNames)
			for _, name := range writeNames {
				fmt.Fprintf(&sb, "    %-12s %s\n", name, e.Writes[name])
			}
		}
	}

	fmt.Fprintf(&sb, "Digest: %s\n", shortDigest(m.Digest))
	return sb.String()
}

func shortDigest(d string) string {
	if d == "" {
		return "(none)"
	}
	if len(d) > 16 {
		return d[:16] + "..."
	}
	return d
}
