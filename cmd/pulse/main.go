// Command pulse is the operator CLI. It imports chat log files into the
// database, runs burst detection and cross-recording alignment on demand,
// sweeps the audience analytics and tails live chat without recording it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/chat-pulse/chatlog"
	"github.com/onnwee/chat-pulse/config"
	"github.com/onnwee/chat-pulse/db"
	"github.com/onnwee/chat-pulse/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "pulse - chat burst detection and alignment toolbox",
}

var loadCmd = &cobra.Command{
	Use:   "load <dir>",
	Short: "Import chat log files from a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

var matchCmd = &cobra.Command{
	Use:   "match <video-a> <video-b>",
	Short: "Align the events of two recordings of the same broadcast",
	Args:  cobra.ExactArgs(2),
	RunE:  runMatch,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Recompute audience analytics over everything stored",
	RunE:  runAnalyze,
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel> [channel...]",
	Short: "Print live chat to stdout without recording it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTail,
}

var (
	loadChannelFlag       string
	analyzeOutFlag        string
	detectJSONFlag        bool
	extractHeaderFlag     bool
	extractTimestampsFlag bool
	extractOutFlag        string
)

func init() {
	loadCmd.Flags().StringVarP(&loadChannelFlag, "channel", "c", "", "Channel the log files belong to")
	_ = loadCmd.MarkFlagRequired("channel")
	detectCmd.Flags().BoolVar(&detectJSONFlag, "json", false, "Also write <video-id>_chat.json with per-event chat")
	extractCmd.Flags().BoolVar(&extractHeaderFlag, "header", false, "Prefix each file with event metadata")
	extractCmd.Flags().BoolVar(&extractTimestampsFlag, "timestamps", false, "Print [HH:MM:SS] nickname: before each message")
	extractCmd.Flags().StringVarP(&extractOutFlag, "out", "o", "", "Parent directory for the event folder")
	analyzeCmd.Flags().StringVarP(&analyzeOutFlag, "out", "o", "", "Directory to export analytics JSON into")
	rootCmd.AddCommand(loadCmd, detectCmd, matchCmd, analyzeCmd, extractCmd, tailCmd, replCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openDB loads .env plus config and connects. Callers close the handle.
func openDB() (*sql.DB, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dbc, err := db.ConnectDSN(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return dbc, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()

	n, err := pipeline.ImportDir(ctx, dbc, args[0], loadChannelFlag)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d recordings from %s\n", n, args[0])
	return nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()

	out, err := pipeline.GetOrComputeMatch(ctx, dbc, args[0], args[1])
	if err != nil {
		return err
	}
	printMatch(out)
	return nil
}

func printMatch(out *pipeline.MatchOutcome) {
	source := "computed"
	if out.Stored {
		source = "stored"
	}
	fmt.Printf("offset %+.1fs (%s; add to %s's clock to line up with %s)\n",
		out.OffsetSec, source, out.VideoA, out.VideoB)
	if len(out.Pairs) == 0 {
		fmt.Println("no event pairs matched")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "A_EVENT\tB_EVENT\tSCORE\tPEAK_A_ALIGNED\tPEAK_B\tDELTA")
	for _, p := range out.Pairs {
		fmt.Fprintf(w, "%d\t%d\t%.3f\t%s\t%s\t%+ds\n",
			p.AEventID, p.BEventID, p.Score,
			time.Unix(p.AbsPeakAAligned, 0).In(chatlog.KST).Format("15:04:05"),
			time.Unix(p.AbsPeakB, 0).In(chatlog.KST).Format("15:04:05"),
			p.DeltaPeakSec)
	}
	_ = w.Flush()
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	dbc, err := openDB()
	if err != nil {
		return err
	}
	defer func() { _ = dbc.Close() }()

	if err := pipeline.RunAnalyticsSweep(ctx, dbc); err != nil {
		return err
	}
	if analyzeOutFlag != "" {
		if err := pipeline.ExportAnalytics(ctx, dbc, analyzeOutFlag); err != nil {
			return err
		}
		fmt.Printf("exported analytics to %s\n", analyzeOutFlag)
	}
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	client := twitch.NewAnonymousClient()
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		fmt.Printf("[%s] #%s %s: %s\n",
			time.Now().Format("15:04:05"), msg.Channel, msg.User.DisplayName, msg.Message)
	})
	for _, ch := range args {
		client.Join(strings.ToLower(ch))
	}
	go func() {
		<-ctx.Done()
		_ = client.Disconnect()
	}()
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chat connection: %w", err)
	}
	return nil
}
