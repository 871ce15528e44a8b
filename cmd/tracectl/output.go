package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/agritrace/pkg/client"
)

// printStructured writes v as JSON or YAML. YAML keys follow the JSON field
// names so both formats read the same.
func printStructured(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printEvent(w io.Writer, format string, ev *client.Event) error {
	if format != "text" {
		return printStructured(w, format, ev)
	}
	fmt.Fprintf(w, "✓ Event recorded\n\n")
	fmt.Fprintf(w, "  ID:        %s\n", ev.ID)
	fmt.Fprintf(w, "  Batch:     %s (seq %d)\n", ev.BatchID, ev.Seq)
	fmt.Fprintf(w, "  Type:      %s\n", ev.EventType)
	fmt.Fprintf(w, "  Prev hash: %s\n", ev.PrevHash)
	fmt.Fprintf(w, "  Hash:      %s\n", ev.CurrentHash)
	fmt.Fprintf(w, "  Anchor:    %s\n", ev.OnChainStatus)
	return nil
}

func printHistory(w io.Writer, format string, h *client.History) error {
	if format != "text" {
		return printStructured(w, format, h)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tTYPE\tACTOR\tHASH\tANCHOR")
	for _, e := range h.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format("2006-01-02T15:04:05Z"), e.EventType,
			e.ActorID, shortHash(e.CurrentHash), e.OnChainStatus)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return printVerification(w, "text", &h.Verification)
}

func printVerification(w io.Writer, format string, v *client.Verification) error {
	if format != "text" {
		return printStructured(w, format, v)
	}
	if v.Empty {
		fmt.Fprintf(w, "- %s\n", v.Message)
		return nil
	}
	if v.Valid {
		fmt.Fprintf(w, "✓ %s\n", v.Message)
		return nil
	}
	fmt.Fprintf(w, "✗ chain broken (%s)\n", v.Failure)
	fmt.Fprintf(w, "  Event:   %s\n", v.BreakingEventID)
	if v.BreakingIndex != nil {
		fmt.Fprintf(w, "  Index:   %d of %d\n", *v.BreakingIndex, v.EventCount)
	}
	fmt.Fprintf(w, "  Detail:  %s\n", v.Message)
	return nil
}

func printAnchors(w io.Writer, format string, a *client.Anchors) error {
	if format != "text" {
		return printStructured(w, format, a)
	}
	if !a.AnchoringEnabled {
		fmt.Fprintln(w, "anchoring is disabled on this server")
		return nil
	}
	if a.Count == 0 {
		fmt.Fprintf(w, "no anchors recorded for %s\n", a.BatchID)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCOMMITMENT\tTX\tANCHORED")
	for _, r := range a.Anchors {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.EventType, shortHash(r.Commitment), r.TxHash, r.AnchoredAt.Format("2006-01-02T15:04:05Z"))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}
