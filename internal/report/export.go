package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"campaigner/internal/recipients"
	"campaigner/internal/storage"
)

const (
	sheetSummary   = "Summary"
	sheetAttempts  = "Attempts"
	sheetResponses = "Responses"
	sheetFollowUps = "FollowUps"
)

// Export writes one campaign as an .xlsx workbook with a summary sheet and one
// sheet per log.
func Export(ctx context.Context, st storage.Store, id string, w io.Writer) error {
	c, err := st.Load(ctx, id)
	if err != nil {
		return err
	}
	rs, err := st.Responses(ctx, id)
	if err != nil {
		return err
	}
	fs, err := st.FollowUps(ctx, id)
	if err != nil {
		return err
	}

	xl := excelize.NewFile()
	defer xl.Close()

	// NewFile starts with "Sheet1".
	if err := xl.SetSheetName("Sheet1", sheetSummary); err != nil {
		return err
	}
	for _, name := range []string{sheetAttempts, sheetResponses, sheetFollowUps} {
		if _, err := xl.NewSheet(name); err != nil {
			return err
		}
	}

	summary := [][]any{
		{"Campaign", c.Name},
		{"ID", c.ID},
		{"Status", string(c.Status)},
		{"Contact list", c.ContactList},
		{"Message", c.Message},
		{"Created", stamp(&c.CreatedAt)},
		{"Started", stamp(c.StartedAt)},
		{"Completed", stamp(c.CompletedAt)},
		{"Total", c.Stats.Total},
		{"Sent", c.Stats.Sent},
		{"Failed", c.Stats.Failed},
		{"Delivered", c.Stats.Delivered},
		{"Read", c.Stats.Read},
		{"Responses", c.Stats.Responses},
		{"Response rate %", c.Stats.ResponseRate()},
		{"Follow-ups sent", c.Stats.FollowUpsSent},
	}
	if err := writeRows(xl, sheetSummary, nil, summary); err != nil {
		return err
	}

	attempts := make([][]any, 0, len(c.Attempts))
	for _, a := range c.Attempts {
		delivered, read := "", ""
		if s := c.MessageStatus[a.Recipient]; s != nil {
			delivered, read = stamp(s.DeliveredAt), stamp(s.ReadAt)
		}
		attempts = append(attempts, []any{recipients.LocalPart(a.Recipient), string(a.Result), string(a.Reason), a.Error, stamp(&a.At), delivered, read})
	}
	if err := writeRows(xl, sheetAttempts, []any{"Recipient", "Result", "Reason", "Error", "At", "Delivered", "Read"}, attempts); err != nil {
		return err
	}

	responses := make([][]any, 0, len(rs))
	for _, r := range rs {
		responses = append(responses, []any{recipients.LocalPart(r.From), r.Display(), stamp(&r.At), r.IsGroup, r.GroupID})
	}
	if err := writeRows(xl, sheetResponses, []any{"From", "Message", "At", "Group", "Group ID"}, responses); err != nil {
		return err
	}

	followups := make([][]any, 0)
	for _, f := range fs {
		for _, a := range f.Results {
			followups = append(followups, []any{f.ID, stamp(&f.SentAt), recipients.LocalPart(a.Recipient), string(a.Result), string(a.Reason)})
		}
	}
	if err := writeRows(xl, sheetFollowUps, []any{"Follow-up", "Sent", "Recipient", "Result", "Reason"}, followups); err != nil {
		return err
	}

	_, err = xl.WriteTo(w)
	return err
}

// ExportFile writes the workbook to path, creating parent directories.
func ExportFile(ctx context.Context, st storage.Store, id, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Export(ctx, st, id, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func writeRows(xl *excelize.File, sheet string, header []any, rows [][]any) error {
	next := 1
	if header != nil {
		if err := xl.SetSheetRow(sheet, "A1", &header); err != nil {
			return err
		}
		next = 2
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, next+i)
		if err != nil {
			return err
		}
		if err := xl.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, next+i, err)
		}
	}
	return nil
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
