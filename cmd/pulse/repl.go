package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-pulse/pipeline"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session for browsing recordings and events",
	RunE:  runRepl,
}

const replHelp = `commands:
  videos [channel]     list stored recordings, newest first
  events <video-id>    show a recording's detected events
  match <a> <b>        align two recordings
  help                 show this help
  exit                 leave`

func runRepl(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()

	fmt.Println("chat-pulse repl. Type help for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		fields := strings.Fields(input)
		var err error
		switch fields[0] {
		case "help":
			fmt.Println(replHelp)
		case "videos":
			channel := ""
			if len(fields) > 1 {
				channel = fields[1]
			}
			err = replVideos(ctx, dbc, channel)
		case "events":
			if len(fields) != 2 {
				fmt.Println("usage: events <video-id>")
				continue
			}
			err = replEvents(ctx, dbc, fields[1])
		case "match":
			if len(fields) != 3 {
				fmt.Println("usage: match <video-a> <video-b>")
				continue
			}
			err = replMatch(ctx, dbc, fields[1], fields[2])
		default:
			fmt.Printf("unknown command %q; try help\n", fields[0])
			continue
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func replVideos(ctx context.Context, dbc *sql.DB, channel string) error {
	q := `SELECT v.id, v.channel_id, COALESCE(v.title,''), COALESCE(v.processed,FALSE),
			COALESCE(s.message_count,0), COALESCE(s.event_count,0)
		  FROM videos v LEFT JOIN video_stats s ON s.video_id = v.id`
	args := []any{}
	if channel != "" {
		q += ` WHERE v.channel_id = $1`
		args = append(args, channel)
	}
	q += ` ORDER BY v.started_at DESC NULLS LAST, v.created_at DESC LIMIT 20`

	rows, err := dbc.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("list videos: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tTITLE\tPROCESSED\tMESSAGES\tEVENTS")
	n := 0
	for rows.Next() {
		var (
			id, ch, title    string
			processed        bool
			messages, events int
		)
		if err := rows.Scan(&id, &ch, &title, &processed, &messages, &events); err != nil {
			return err
		}
		if r := []rune(title); len(r) > 40 {
			title = string(r[:40]) + "…"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\n", id, ch, title, processed, messages, events)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("no recordings stored")
		return nil
	}
	return w.Flush()
}

func replEvents(ctx context.Context, dbc *sql.DB, videoID string) error {
	first, events, err := loadStoredEvents(ctx, dbc, videoID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Printf("no events stored for video %s\n", videoID)
		return nil
	}
	printEvents(first, events)
	return nil
}

func replMatch(ctx context.Context, dbc *sql.DB, a, b string) error {
	out, err := pipeline.GetOrComputeMatch(ctx, dbc, a, b)
	if err != nil {
		return err
	}
	printMatch(out)
	return nil
}
