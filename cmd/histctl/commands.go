package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mfelten/histd/internal/archive"
	"github.com/urfave/cli/v2"
)

const dayFormat = "2006-01-02"

var unreadCommand = &cli.Command{
	Name:  "unread",
	Usage: "List unread messages",
	Action: func(ctx *cli.Context) error {
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		entries, err := e.db.ListUnread()
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return printJSON(entries)
		}
		for _, u := range entries {
			fmt.Printf("%s  %s  %s\n", fmtTime(u.Timestamp), u.Address, u.Body)
		}
		return nil
	},
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark all unread messages from an address as read",
	ArgsUsage: "<address>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: histctl read <address>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		address := ctx.Args().First()
		entries, err := e.db.ListUnread()
		if err != nil {
			return err
		}
		var ids []int64
		for _, u := range entries {
			if u.Address == address {
				ids = append(ids, u.MessageID)
			}
		}
		if len(ids) == 0 {
			fmt.Println("nothing unread")
			return nil
		}
		if err := e.db.SetRead(ids); err != nil {
			return err
		}
		fmt.Printf("marked %d messages read\n", len(ids))
		return nil
	},
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show messages exchanged with an address in a date range",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "start date (YYYY-MM-DD), default 7 days ago"},
		&cli.StringFlag{Name: "to", Usage: "end date (YYYY-MM-DD), default now"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: histctl history <address>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		id, err := e.identity(ctx.Args().First())
		if err != nil {
			return err
		}

		now := time.Now()
		start := now.AddDate(0, 0, -7)
		end := now
		if s := ctx.String("from"); s != "" {
			if start, err = time.ParseInLocation(dayFormat, s, time.Local); err != nil {
				return fmt.Errorf("bad --from date: %w", err)
			}
		}
		if s := ctx.String("to"); s != "" {
			day, err := time.ParseInLocation(dayFormat, s, time.Local)
			if err != nil {
				return fmt.Errorf("bad --to date: %w", err)
			}
			end = day.AddDate(0, 0, 1)
		}

		msgs, err := e.db.QueryRange(e.accountID, []int64{id},
			float64(start.Unix()), float64(end.Unix()))
		if err != nil {
			return err
		}
		return printMessages(ctx, msgs)
	},
}

var recentCommand = &cli.Command{
	Name:      "recent",
	Usage:     "Show the most recent messages exchanged with an address",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
		&cli.IntFlag{Name: "offset", Value: 0},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: histctl recent <address>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		id, err := e.identity(ctx.Args().First())
		if err != nil {
			return err
		}
		msgs, err := e.db.RecentMessages(e.accountID, []int64{id},
			ctx.Int("limit"), ctx.Int("offset"))
		if err != nil {
			return err
		}
		return printMessages(ctx, msgs)
	},
}

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search message bodies",
	ArgsUsage: "<text>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "restrict to one conversation"},
		&cli.StringFlag{Name: "day", Usage: "restrict to one day (YYYY-MM-DD)"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: histctl search <text>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		var ids []int64
		if addr := ctx.String("address"); addr != "" {
			id, err := e.identity(addr)
			if err != nil {
				return err
			}
			ids = []int64{id}
		}
		var day time.Time
		if s := ctx.String("day"); s != "" {
			if day, err = time.ParseInLocation(dayFormat, s, time.Local); err != nil {
				return fmt.Errorf("bad --day date: %w", err)
			}
		}

		msgs, err := e.db.SearchMessages(e.accountID, ids, ctx.Args().First(), day)
		if err != nil {
			return err
		}
		return printMessages(ctx, msgs)
	},
}

var daysCommand = &cli.Command{
	Name:      "days",
	Usage:     "List days of a month that have messages for an address",
	ArgsUsage: "<address> <year> <month>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return fmt.Errorf("usage: histctl days <address> <year> <month>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		id, err := e.identity(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		year, err := strconv.Atoi(ctx.Args().Get(1))
		if err != nil {
			return fmt.Errorf("bad year: %w", err)
		}
		month, err := strconv.Atoi(ctx.Args().Get(2))
		if err != nil || month < 1 || month > 12 {
			return fmt.Errorf("bad month %q", ctx.Args().Get(2))
		}

		days, err := e.db.DaysWithMessages(e.accountID, []int64{id}, year, time.Month(month))
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return printJSON(days)
		}
		for _, d := range days {
			fmt.Printf("%04d-%02d-%02d\n", year, month, d)
		}
		return nil
	},
}

var coverageCommand = &cli.Command{
	Name:      "coverage",
	Usage:     "Show the first and last archived message time for an address",
	ArgsUsage: "<address>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("usage: histctl coverage <address>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		id, err := e.identity(ctx.Args().First())
		if err != nil {
			return err
		}
		ids := []int64{id}
		first, ok, err := e.db.FirstMessageTime(e.accountID, ids)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no messages")
			return nil
		}
		last, _, err := e.db.LastMessageTime(e.accountID, ids)
		if err != nil {
			return err
		}
		fmt.Printf("first: %s\nlast:  %s\n", fmtTime(first), fmtTime(last))
		return nil
	},
}

var checkpointsCommand = &cli.Command{
	Name:  "checkpoints",
	Usage: "List per-archive sync checkpoints",
	Action: func(ctx *cli.Context) error {
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		cps, err := e.db.ListCheckpoints()
		if err != nil {
			return err
		}
		if ctx.Bool("json") {
			return printJSON(cps)
		}
		for _, cp := range cps {
			addr, _ := e.resolver.Address(cp.IdentityID)
			window := "-"
			if cp.SyncWindow != nil {
				window = strconv.Itoa(*cp.SyncWindow)
			}
			fmt.Printf("%-40s cursor=%s last=%s window=%s\n",
				addr, orDash(cp.Cursor), fmtTime(cp.LastReceived), window)
		}
		return nil
	},
}

var setWindowCommand = &cli.Command{
	Name:      "set-window",
	Usage:     "Set the sync window for a room, in days (0 = no threshold)",
	ArgsUsage: "<room> <days>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return fmt.Errorf("usage: histctl set-window <room> <days>")
		}
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.close()

		id, err := e.resolver.ResolveAddress(ctx.Args().Get(0), archive.AddressRoom)
		if err != nil {
			return err
		}
		days, err := strconv.Atoi(ctx.Args().Get(1))
		if err != nil || days < 0 {
			return fmt.Errorf("bad day count %q", ctx.Args().Get(1))
		}
		return e.db.SetCheckpoint(id, archive.CheckpointUpdate{SyncWindow: &days})
	},
}

func printMessages(ctx *cli.Context, msgs []archive.Message) error {
	if ctx.Bool("json") {
		return printJSON(msgs)
	}
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" && (m.Kind == archive.KindChatMsgSent || m.Kind == archive.KindSingleMsgSent) {
			sender = "me"
		}
		fmt.Printf("%s  %-20s %s\n", fmtTime(m.Timestamp), sender, m.Body)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(int64(ts), 0).Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
