package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/coreos/go-systemd/v22/daemon"

	"campaigner/internal/app"
	"campaigner/internal/campaign"
	"campaigner/internal/recipients"
)

const usage = `usage: campaigner [-config path] <command> [flags] [args]

commands:
  lists                                  contact lists in the contacts dir
  create -name N -message M -list L      create a draft campaign
  start [-yes] <id>                      dispatch (or resume) a campaign
  followup -message M <id>               send a follow-up to a campaign
  list                                   campaigns, newest first
  show <id>                              campaign detail and failures
  responses [-limit N] <id>              replies received
  analytics                              dashboard across campaigns
  export [-o path] <id>                  write the campaign workbook
  digest                                 log the dashboard digest now
  serve                                  run the correlator, digest and ops server
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./campaigner.yaml", "path to config (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	reason := app.StopCommand
	err = run(ctx, a, flag.Arg(0), flag.Args()[1:])
	if ctx.Err() != nil {
		reason = app.StopSignal
	} else if a.Err() != nil {
		reason = app.StopFatalError
	}
	stopCtx, done := context.WithTimeout(context.Background(), 8*time.Second)
	_ = a.Stop(stopCtx, reason)
	done()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, cmd string, args []string) error {
	out := os.Stdout
	switch cmd {
	case "lists":
		lists, err := a.Lists()
		if err != nil {
			return err
		}
		for _, l := range lists {
			fmt.Fprintln(out, l)
		}
		return nil

	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		name := fs.String("name", "", "campaign name")
		message := fs.String("message", "", "message text")
		list := fs.String("list", "", "contact list file name")
		_ = fs.Parse(args)
		c, err := a.Create(ctx, *name, *message, *list)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s (%d recipients)\n", c.ID, len(c.Recipients))
		return nil

	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		_ = fs.Parse(args)
		id, err := oneID(fs.Args())
		if err != nil {
			return err
		}
		c, err := a.Campaign(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "campaign %q: %d recipients\nmessage:\n%s\n", c.Name, len(c.Recipients), c.Message)
		if c.Cursor > 0 && c.Status == campaign.StatusSending {
			fmt.Fprintf(out, "resuming after %d attempted\n", c.Cursor)
		}
		if !*yes && !confirm(os.Stdin, out, "send now?") {
			return errors.New("aborted")
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		sum, err := a.Dispatch(ctx, id)
		printSummary(out, sum)
		return err

	case "followup":
		fs := flag.NewFlagSet("followup", flag.ExitOnError)
		message := fs.String("message", "", "follow-up text")
		_ = fs.Parse(args)
		id, err := oneID(fs.Args())
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		f, err := a.FollowUp(ctx, id, *message)
		fmt.Fprintf(out, "follow-up %s: %d of %d sent\n", f.ID, f.Succeeded(), len(f.Results))
		return err

	case "list":
		cs, err := a.Campaigns(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSENT\tFAILED\tRESPONSES\tCREATED")
		for _, c := range cs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n", c.ID, c.Name, c.Status,
				c.Stats.Sent, c.Stats.Total, c.Stats.Failed, c.Stats.Responses, c.CreatedAt.Format(time.DateTime))
		}
		return tw.Flush()

	case "show":
		id, err := oneID(args)
		if err != nil {
			return err
		}
		c, err := a.Campaign(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(out, struct {
			*campaign.Campaign
			Summary campaign.Summary `json:"summary"`
		}{c, campaign.Summarize(c)})

	case "responses":
		fs := flag.NewFlagSet("responses", flag.ExitOnError)
		limit := fs.Int("limit", 10, "responses shown")
		_ = fs.Parse(args)
		id, err := oneID(fs.Args())
		if err != nil {
			return err
		}
		v, err := a.Responses(ctx, id, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d responses (%d%% response rate)\n", v.Campaign.Name, v.Total, v.Rate)
		for _, r := range v.Shown {
			fmt.Fprintf(out, "  %s  %s  %s\n", r.At.Format(time.DateTime), recipients.LocalPart(r.From), clip(oneLine(r.Display()), 80))
		}
		if v.Total > len(v.Shown) {
			fmt.Fprintf(out, "  ... and %d more\n", v.Total-len(v.Shown))
		}
		return nil

	case "analytics":
		d, err := a.Analytics(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, d)

	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		path := fs.String("o", "", "output path (default <export dir>/<id>.xlsx)")
		_ = fs.Parse(args)
		id, err := oneID(fs.Args())
		if err != nil {
			return err
		}
		p, err := a.Export(ctx, id, *path)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, p)
		return nil

	case "digest":
		pending := a.Digest(ctx)
		return writeJSON(out, pending)

	case "serve":
		return serve(ctx, a)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, a *app.App) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	// Not running under systemd is fine; SdNotify reports false, nil.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()

	select {
	case <-ctx.Done():
		return nil
	case <-a.Done():
		return a.Err()
	}
}

func oneID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", errors.New("expected exactly one campaign id")
	}
	return args[0], nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printSummary(w io.Writer, s campaign.Summary) {
	state := "incomplete"
	if s.Complete {
		state = "complete"
	}
	fmt.Fprintf(w, "%s: %d sent, %d failed of %d\n", state, s.Succeeded, s.Failed, s.Total)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s  %s  %s\n", recipients.LocalPart(f.Recipient), f.Reason, f.Error)
	}
}

// clip returns at most n runes of s, marking the cut with "…".
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
