package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"node.town/rtasr/session"
)

func writeSummary(w io.Writer, s *session.Session, err error) {
	snap := s.Snapshot()
	stats := s.Stats()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Session", "SID", "State", "Frames", "Bytes", "Max Lag", "Elapsed", "Corrections", "Error"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	table.Append([]string{
		snap.Session,
		snap.ServerSID,
		snap.State.String(),
		fmt.Sprintf("%d", stats.Frames),
		fmt.Sprintf("%d", stats.Bytes),
		stats.MaxLag.String(),
		stats.Elapsed.Round(time.Millisecond).String(),
		fmt.Sprintf("%d", snap.Corrections),
		errText,
	})
	table.Render()
}
