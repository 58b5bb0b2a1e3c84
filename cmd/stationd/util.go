package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/stationd/internal/predict"
	"github.com/loykin/stationd/internal/store"
)

type passRow struct {
	ID         int64              `json:"schedule_id"`
	Status     store.Status       `json:"run_status"`
	Satellite  string             `json:"satellite"`
	Prediction predict.Prediction `json:"prediction"`
}

func upcomingPasses(ctx context.Context, st store.Store, now time.Time) ([]passRow, error) {
	events, err := st.ListUpcoming(ctx, now, store.CategorySatellitePass)
	if err != nil {
		return nil, err
	}
	rows := make([]passRow, 0, len(events))
	for _, ev := range events {
		action, err := predict.DecodePassAction(ev.Action)
		if err != nil {
			continue
		}
		rows = append(rows, passRow{ID: ev.ID, Status: ev.Status, Satellite: action.Satellite.Name, Prediction: action.Prediction})
	}
	return rows, nil
}

func printPasses(w io.Writer, rows []passRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no upcoming passes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSATELLITE\tSTART\tDURATION\tMAX EL\tDIR\tLIGHT\tSTATUS")
	for _, r := range rows {
		p := r.Prediction
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f\t%s\t%t\t%s\n",
			r.ID, r.Satellite, p.StartTime().Local().Format("2006-01-02 15:04:05"),
			p.DurationTime().Round(time.Second), p.MaxElevation, p.Direction, p.Light, r.Status)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
