package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/journal"
)

type formatter struct {
	w io.Writer
}

func newFormatter(w io.Writer) *formatter {
	return &formatter{w: w}
}

func (f *formatter) Info(msg string) {
	fmt.Fprintln(f.w, msg)
}

func (f *formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *formatter) Check(name string, ok bool, detail string) {
	mark := "✅"
	if !ok {
		mark = "❌"
	}
	fmt.Fprintf(f.w, "%s %s: %s\n", mark, name, detail)
}

func (f *formatter) Channels(channels []*capture.Channel) {
	if len(channels) == 0 {
		f.Info("No capture channels found")
		return
	}
	tw := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL ID\tTYPE\tNAME")
	for _, c := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Kind, c.Name)
	}
	tw.Flush()
}

func (f *formatter) Sessions(sessions []*journal.Session) {
	if len(sessions) == 0 {
		f.Info("No capture sessions recorded")
		return
	}
	tw := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tSTARTED\tDURATION\tCHANNELS")
	for _, s := range sessions {
		duration := "-"
		if s.StoppedAt != nil {
			duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.StartedAt.Local().Format("2006-01-02 15:04"), duration, strings.Join(s.ChannelIDs, ","))
	}
	tw.Flush()
}
