package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/andresuchdata/chunkup/internal/repository"
	"github.com/andresuchdata/chunkup/internal/repository/postgres"
	"github.com/dustin/go-humanize"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type ctxKey string

const journalKey ctxKey = "journal"

func newDBURLFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "db-url",
		Usage:    "Database connection string",
		Required: true,
		EnvVars:  []string{"DATABASE_URL"},
	}
}

type journalHandle struct {
	repo   repository.SessionRepository
	closer io.Closer
}

// openJournal connects to the journal database. Tests swap it for a fake.
var openJournal = func(ctx context.Context, dsn string) (repository.SessionRepository, io.Closer, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pdb := postgres.Wrap(db, "pgx", 2)
	return postgres.NewSessionRepository(pdb), pdb, nil
}

func initJournal(c *cli.Context) error {
	repo, closer, err := openJournal(c.Context, c.String("db-url"))
	if err != nil {
		return err
	}
	c.Context = context.WithValue(c.Context, journalKey, &journalHandle{repo: repo, closer: closer})
	return nil
}

func closeJournal(c *cli.Context) error {
	if h, ok := c.Context.Value(journalKey).(*journalHandle); ok && h.closer != nil {
		return h.closer.Close()
	}
	return nil
}

func journalFrom(c *cli.Context) (repository.SessionRepository, error) {
	h, ok := c.Context.Value(journalKey).(*journalHandle)
	if !ok || h.repo == nil {
		return nil, fmt.Errorf("journal database is not initialized")
	}
	return h.repo, nil
}

func clientFrom(c *cli.Context) *Client {
	return NewClient(c.String("server"), c.Duration("timeout"), c.Uint64("retries"))
}

func main() {
	_ = godotenv.Load(".env")

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("uploadctl failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "uploadctl",
		Usage: "Upload files in chunks and manage uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Upload server base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"UPLOADCTL_SERVER"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of a single HTTP request",
				Value: 2 * time.Minute,
			},
			&cli.Uint64Flag{
				Name:  "retries",
				Usage: "Retries per chunk on transient server errors",
				Value: 5,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload a local file",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Usage: "Object path on the server (default: file name)",
					},
					&cli.StringFlag{
						Name:  "chunk-size",
						Usage: "Chunk size, e.g. 2MiB",
						Value: "2MiB",
					},
					&cli.IntFlag{
						Name:  "parallel",
						Usage: "Chunks in flight at once",
						Value: 1,
					},
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "How long to wait for finalization after the last chunk",
						Value: 2 * time.Minute,
					},
				},
				Action: runUpload,
			},
			{
				Name:   "list",
				Usage:  "List uploads known to the server",
				Action: runList,
			},
			{
				Name:      "status",
				Usage:     "Show one upload",
				ArgsUsage: "PATH",
				Action:    runStatus,
			},
			{
				Name:      "delete",
				Usage:     "Delete an upload and its chunks",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "purge",
						Usage: "Also delete the published object",
					},
				},
				Action: runDelete,
			},
			{
				Name:  "journal",
				Usage: "Inspect the session journal",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List journalled sessions",
						Flags: []cli.Flag{
							newDBURLFlag(),
							&cli.StringFlag{
								Name:  "state",
								Usage: "Only sessions in this state",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "Maximum number of sessions",
								Value: 100,
							},
						},
						Before: initJournal,
						After:  closeJournal,
						Action: runJournalList,
					},
					{
						Name:  "purge",
						Usage: "Delete completed sessions older than a cutoff",
						Flags: []cli.Flag{
							newDBURLFlag(),
							&cli.DurationFlag{
								Name:  "older-than",
								Usage: "Age of completed sessions to delete",
								Value: 7 * 24 * time.Hour,
							},
						},
						Before: initJournal,
						After:  closeJournal,
						Action: runJournalPurge,
					},
				},
			},
		},
	}
}

func runUpload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("upload expects exactly one FILE argument", 2)
	}
	chunkSize, err := humanize.ParseBytes(c.String("chunk-size"))
	if err != nil || chunkSize == 0 {
		return cli.Exit(fmt.Sprintf("invalid chunk size %q", c.String("chunk-size")), 2)
	}

	out := c.App.Writer
	start := time.Now()
	item, err := clientFrom(c).UploadFile(c.Context, c.Args().First(), UploadOptions{
		ObjectPath: c.String("path"),
		ChunkSize:  int64(chunkSize),
		Parallel:   c.Int("parallel"),
		Wait:       c.Duration("wait"),
		Progress: func(ack domain.ChunkAck) {
			fmt.Fprintf(out, "chunk %d stored (%d/%d) %s\n", ack.Index, ack.UploadedChunks, ack.TotalChunks, ack.State)
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %s, %s in %s\n", item.Path, item.State, humanize.IBytes(uint64(item.NBytes)), time.Since(start).Round(time.Millisecond))
	return nil
}

func runList(c *cli.Context) error {
	items, err := clientFrom(c).List(c.Context)
	if err != nil {
		return err
	}
	printListing(c.App.Writer, items)
	return nil
}

func runStatus(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("status expects exactly one PATH argument", 2)
	}
	item, err := clientFrom(c).Get(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	printListing(c.App.Writer, []domain.ObjectListing{item})
	return nil
}

func runDelete(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("delete expects exactly one PATH argument", 2)
	}
	if err := clientFrom(c).Delete(c.Context, c.Args().First(), c.Bool("purge")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %s\n", c.Args().First())
	return nil
}

func runJournalList(c *cli.Context) error {
	var state domain.SessionState
	if raw := c.String("state"); raw != "" {
		s, err := domain.ParseSessionState(raw)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		state = s
	}

	journal, err := journalFrom(c)
	if err != nil {
		return err
	}
	sessions, err := journal.ListSessions(c.Context, state, c.Int("limit"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tSTATE\tCHUNKS\tSIZE\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.Path, s.State, s.UploadedChunks, s.TotalChunks,
			humanize.IBytes(uint64(s.SizeBytes)), humanize.Time(s.UpdatedAt))
	}
	return w.Flush()
}

func runJournalPurge(c *cli.Context) error {
	journal, err := journalFrom(c)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-c.Duration("older-than"))
	n, err := journal.PurgeCompleted(c.Context, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "purged %d completed sessions finished before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func printListing(out io.Writer, items []domain.ObjectListing) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tPROGRESS\tSTATE")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.Path, humanize.IBytes(uint64(item.NBytes)), progress(item), item.State)
	}
	w.Flush()
}

func progress(item domain.ObjectListing) string {
	if item.Completed {
		return "Completed"
	}
	if item.TotalChunks == 0 {
		return "0%"
	}
	pct := (100*item.UploadedChunks + item.TotalChunks - 1) / item.TotalChunks
	return fmt.Sprintf("%d%%", pct)
}
