package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusdb/coord/config"
	"github.com/nimbusdb/coord/coordpath"
	"github.com/nimbusdb/coord/store"
)

// expiryWarning is how close to lease_end a session must be to render as
// about-to-expire in the status table.
const expiryWarning = 30 * time.Second

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a snapshot of this node's entries and sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runStatus(cfg)
		},
	}
}

func runStatus(cfg config.Config) error {
	st, err := store.OpenBadgerStore(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()

	entries, err := collectEntries(ctx, st, coordpath.Root)
	if err != nil {
		return err
	}
	printEntries(entries)

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}
	printSessions(sessions, now)
	return nil
}

// collectEntries walks the tree rooted at p, reading each entry directly
// from the store (no locks are taken: this is a point-in-time snapshot for
// operator inspection, not a coordination operation).
func collectEntries(ctx context.Context, st store.Store, p coordpath.Path) ([]*store.StoredEntry, error) {
	path := coordpath.Format(p)
	entry, err := st.GetEntry(ctx, path)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := []*store.StoredEntry{entry}
	for _, name := range entry.Children.List() {
		child, err := p.Child(name)
		if err != nil {
			continue
		}
		childEntries, err := collectEntries(ctx, st, child)
		if err != nil {
			return nil, err
		}
		out = append(out, childEntries...)
	}
	return out, nil
}

func printEntries(entries []*store.StoredEntry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Version", "Ephemeral", "Write Lock", "Read Locks"})
	for _, e := range entries {
		path := e.Path
		ephemeral := ""
		if e.IsEphemeral() {
			ephemeral = color.YellowString(e.EphemeralOwner)
		}
		table.Append([]string{
			path,
			strconv.FormatUint(e.Version, 10),
			ephemeral,
			e.WriteLock,
			strconv.Itoa(len(e.ReadLocks)),
		})
	}
	table.Render()
}

func printSessions(sessions []*store.StoredSession, now time.Time) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Session", "Lease End", "Entries", "Status"})
	for _, s := range sessions {
		status := "live"
		until := s.LeaseEnd.Sub(now)
		switch {
		case s.Ended(now):
			status = color.RedString("ended")
		case until <= expiryWarning:
			status = color.YellowString("expiring soon")
		}
		table.Append([]string{s.Key, s.LeaseEnd.Format(time.RFC3339), strconv.Itoa(len(s.Entries)), status})
	}
	table.Render()
}
