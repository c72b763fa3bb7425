// Command admin is a terminal client for the site's admin API.
//
//	admin login [-password pw]
//	admin dashboard [-refresh] [-json]
//	admin status [-notes text] <contact-id> <status>
//	admin send -subject s -content c [-preview p]
//	admin ping
//	admin watch
//	admin logout
package main

import (
	"bufio"
	"context"
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

	"github.com/goccy/go-json"

	"github.com/Zachkp/zach-consulting/internal/config"
	"github.com/Zachkp/zach-consulting/internal/dashboard"
	"github.com/Zachkp/zach-consulting/internal/kv"
	"github.com/Zachkp/zach-consulting/internal/logging"
	"github.com/Zachkp/zach-consulting/internal/model"
	"github.com/Zachkp/zach-consulting/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		exitf("config: %v", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.OpenBadger(cfg.StatePath)
	if err != nil {
		exitf("open state: %v", err)
	}
	defer store.Close()

	expired := make(chan struct{}, 1)
	tokens := session.NewTokenStore(store)
	client := dashboard.NewClient(cfg.APIURL, cfg.APISecret, tokens, nil)
	d, err := dashboard.New(client, tokens, dashboard.Options{
		CacheTTL:       cfg.CacheTTL,
		Debounce:       cfg.DebounceQuiet,
		SessionTimeout: cfg.SessionTimeout,
		SessionWarning: cfg.SessionWarning,
		OnWarn: func(remaining time.Duration) {
			fmt.Fprintf(os.Stderr, "Session expires in %s. Press enter to stay logged in.\n", remaining.Round(time.Second))
		},
		OnExpire: func() {
			fmt.Fprintln(os.Stderr, "Session expired after inactivity.")
			select {
			case expired <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		exitf("init dashboard: %v", err)
	}
	defer d.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "login":
		err = runLogin(ctx, d, args)
	case "logout":
		d.Logout(ctx)
		fmt.Println("Logged out.")
	case "dashboard":
		err = runDashboard(ctx, d, args)
	case "status":
		err = runStatus(ctx, d, args)
	case "send":
		err = runSend(ctx, d, args)
	case "ping":
		err = runPing(ctx, d)
	case "watch":
		err = runWatch(ctx, d, cfg, expired)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, dashboard.ErrUnauthorized) {
			exitf("not logged in or session expired: run `admin login`")
		}
		exitf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <login|logout|dashboard|status|send|ping|watch> [flags]")
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func requireSession(ctx context.Context, d *dashboard.Dashboard) error {
	if !d.Resume(ctx) {
		return dashboard.ErrUnauthorized
	}
	return nil
}

func runLogin(ctx context.Context, d *dashboard.Dashboard, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	password := fs.String("password", os.Getenv("ADMIN_PASSWORD"), "admin password (default: ADMIN_PASSWORD, else read from stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw := *password
	if pw == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimSpace(line)
	}
	expiresAt, err := d.Login(ctx, pw)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in until %s.\n", expiresAt.Local().Format(time.RFC1123))
	return nil
}

func runDashboard(ctx context.Context, d *dashboard.Dashboard, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "bypass the local cache")
	asJSON := fs.Bool("json", false, "print the raw aggregate as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireSession(ctx, d); err != nil {
		return err
	}
	data, err := d.Load(ctx, *refresh)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	printView(os.Stdout, d)
	return nil
}

func runStatus(ctx context.Context, d *dashboard.Dashboard, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	notes := fs.String("notes", "", "replace the contact's notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: admin status [-notes text] <contact-id> <status>")
	}
	status, err := model.ParseContactStatus(fs.Arg(1))
	if err != nil {
		return err
	}
	if err := requireSession(ctx, d); err != nil {
		return err
	}
	if _, err := d.Load(ctx, false); err != nil {
		return err
	}
	var notesPtr *string
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "notes" {
			notesPtr = notes
		}
	})

	if err := d.UpdateStatus(ctx, fs.Arg(0), status, notesPtr); err != nil {
		return err
	}
	fmt.Printf("Contact %s is now %s.\n", fs.Arg(0), status)
	return nil
}

func runSend(ctx context.Context, d *dashboard.Dashboard, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	subject := fs.String("subject", "", "newsletter subject")
	content := fs.String("content", "", "newsletter body, or @file to read it from a file")
	preview := fs.String("preview", "", "preview text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := *content
	if path, ok := strings.CutPrefix(body, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		body = string(raw)
	}
	if *subject == "" || strings.TrimSpace(body) == "" {
		return errors.New("-subject and -content are required")
	}
	if err := requireSession(ctx, d); err != nil {
		return err
	}
	rec, err := d.SendNewsletter(ctx, *subject, body, *preview)
	if err != nil {
		return err
	}
	fmt.Printf("Newsletter %s sent: %d delivered, %d failed.\n", rec.ID, rec.SuccessCount, rec.FailCount)
	return nil
}

func runPing(ctx context.Context, d *dashboard.Dashboard) error {
	start := time.Now()
	snap, err := d.TestConnection(ctx)
	if err != nil {
		fmt.Printf("Connection %s: %v\n", snap.State, err)
		return nil
	}
	fmt.Printf("Connection %s (%s).\n", snap.State, time.Since(start).Round(time.Millisecond))
	return nil
}

// runWatch keeps the dashboard on screen, refreshing in the background.
// Every line typed on stdin counts as activity; "r" reloads, "q" quits.
func runWatch(ctx context.Context, d *dashboard.Dashboard, cfg *config.Client, expired <-chan struct{}) error {
	if err := requireSession(ctx, d); err != nil {
		return err
	}
	if _, err := d.Load(ctx, false); err != nil {
		return err
	}
	printView(os.Stdout, d)

	d.StartBackgroundRefresh(cfg.RefreshInterval)
	defer d.StopBackgroundRefresh()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expired:
			return dashboard.ErrUnauthorized
		case <-ticker.C:
			printView(os.Stdout, d)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			d.Touch()
			switch line {
			case "q", "quit":
				return nil
			case "r", "refresh":
				d.ScheduleLoad(false)
			case "R":
				if _, err := d.Refresh(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "Refresh failed: %v\n", err)
				}
				printView(os.Stdout, d)
			}
		}
	}
}

func printView(w io.Writer, d *dashboard.Dashboard) {
	v := d.View()
	h := d.Health()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	stale := ""
	if v.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(tw, "Updated\t%s via %s%s\n", v.LastUpdated.Local().Format(time.Kitchen), v.Source, stale)
	fmt.Fprintf(tw, "Connection\t%s\n", h.State)
	fmt.Fprintf(tw, "Session\t%s, %s left (last active %s)\n", d.SessionState(), d.SessionRemaining().Round(time.Second),
		d.SessionLastActivity().Local().Format(time.Kitchen))
	fmt.Fprintf(tw, "Subscribers\t%d\n", len(v.Subscribers))
	fmt.Fprintf(tw, "Newsletters\t%d\n", len(v.Newsletters))
	fmt.Fprintf(tw, "Contacts\t%d (response %.1f%%, completion %.1f%%)\n",
		v.Analytics.TotalContacts, v.Analytics.ResponseRate, v.Analytics.CompletionRate)
	for _, s := range model.ContactStatuses {
		fmt.Fprintf(tw, "  %s\t%d\n", s, v.Analytics.StatusCounts[s])
	}
	fmt.Fprintln(tw)
	for _, c := range v.Contacts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Status, c.Name, c.SubmittedAt.Local().Format("Jan 2"))
	}
}
