// Package dashboard renders the human-facing status summary. Render is a
// pure function of a store snapshot; the orchestration loop is the only
// writer of the resulting document and invokes it once per cycle.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"vaultline/internal/domain"
)

// Snapshot is everything the dashboard shows, gathered by the caller in one
// pass over the store.
type Snapshot struct {
	VaultID     string
	GeneratedAt time.Time
	Counts      map[domain.Stage]int
	Quarantine  []domain.Record
	Pending     []domain.Record
	RecentAudit []domain.AuditEntry
}

// Render produces the Dashboard.md document.
func Render(s Snapshot) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Vault Dashboard: %s\n\n", s.VaultID)
	fmt.Fprintf(&b, "Updated: %s\n\n", s.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Pipeline\n\n")
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Stage", "Folder", "Records"})
	for _, stage := range domain.Stages() {
		tw.AppendRow(table.Row{string(stage), stage.Folder(), s.Counts[stage]})
	}
	tw.AppendRow(table.Row{"quarantine", "Needs_Action/Quarantine", len(s.Quarantine)})
	b.WriteString(tw.RenderMarkdown())
	b.WriteString("\n\n")

	if len(s.Pending) > 0 {
		b.WriteString("## Awaiting Approval\n\n")
		b.WriteString("Move a file to `Approved/` or `Rejected/` to decide.\n\n")
		pw := table.NewWriter()
		pw.AppendHeader(table.Row{"Record", "Kind", "Priority", "Detected"})
		for _, r := range s.Pending {
			pw.AppendRow(table.Row{r.Stem, string(r.Meta.Kind), string(r.Meta.Priority), r.Meta.DetectedAt})
		}
		b.WriteString(pw.RenderMarkdown())
		b.WriteString("\n\n")
	}

	if len(s.Quarantine) > 0 {
		b.WriteString("## Quarantine\n\n")
		qw := table.NewWriter()
		qw.AppendHeader(table.Row{"Record", "Attempts", "Last Error"})
		for _, r := range s.Quarantine {
			qw.AppendRow(table.Row{r.Stem, r.Meta.Attempts, r.Meta.LastError})
		}
		b.WriteString(qw.RenderMarkdown())
		b.WriteString("\n\n")
	}

	if len(s.RecentAudit) > 0 {
		b.WriteString("## Recent Activity\n\n")
		aw := table.NewWriter()
		aw.AppendHeader(table.Row{"Time", "Actor", "Record", "Transition", "Outcome"})
		for _, e := range s.RecentAudit {
			from := string(e.From)
			if from == "" {
				from = "none"
			}
			aw.AppendRow(table.Row{e.TS, string(e.Actor), shorten(e.RecordID), from + " -> " + string(e.To), string(e.Outcome)})
		}
		b.WriteString(aw.RenderMarkdown())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
