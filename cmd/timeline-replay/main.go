// Command timeline-replay resurrects dead-letter outbox envelopes. It
// selects rows by event, session or globally, records the invocation in
// the replay log under an idempotency token and transitions the rows back
// to failed for immediate redelivery.
//
// The database connection comes from the same environment variables as
// the daemon (UA_DATABASE_URL et al).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/uniassist/timeline/config"
	"github.com/uniassist/timeline/features/store/postgres"
	"github.com/uniassist/timeline/features/store/postgres/clients/pg"
	"github.com/uniassist/timeline/replay"
	"github.com/uniassist/timeline/store"
	"github.com/uniassist/timeline/telemetry"
)

func main() {
	var (
		eventID         = flag.String("event-id", "", "Replay a single dead-letter event")
		sessionID       = flag.String("session-id", "", "Replay all dead-letter events of a session")
		all             = flag.Bool("all", false, "Replay across sessions (bounded by -limit)")
		limit           = flag.Int("limit", 0, fmt.Sprintf("Selection cap, oldest first (default %d with -all)", replay.DefaultAllLimit))
		token           = flag.String("replay-token", "", "Idempotency token (auto-generated if omitted)")
		note            = flag.String("note", "", "Operator note stored in the replay log")
		noResetAttempts = flag.Bool("no-reset-attempts", false, "Keep attempts near the terminal threshold instead of resetting to 0")
		dryRun          = flag.Bool("dry-run", false, "Report the selection without updating anything")
		debug           = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	params := replay.Params{
		EventID:       *eventID,
		SessionID:     *sessionID,
		All:           *all,
		Limit:         *limit,
		Token:         *token,
		Note:          *note,
		ResetAttempts: !*noResetAttempts,
		DryRun:        *dryRun,
	}

	report, err := run(ctx, params)
	if err != nil {
		fmt.Printf("[replay][FAIL] error=%q\n", err.Error())
		if isUsageError(err) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}

	for _, row := range report.Rows {
		suffix := ""
		if row.Skipped {
			suffix = " skipped=token_seen"
		}
		fmt.Printf("  event_id=%s session_id=%s status=%s->%s attempts=%d->%d%s\n",
			row.EventID, row.SessionID,
			row.PreviousStatus, row.Status,
			row.PreviousAttempts, row.Attempts, suffix)
	}
	fmt.Printf("[replay][PASS] token=%s dry_run=%t selected=%d inserted=%d updated=%d\n",
		report.Token, report.DryRun, report.Selected, report.Inserted, report.Updated)
}

func run(ctx context.Context, params replay.Params) (store.ReplayReport, error) {
	cfg, err := config.Load()
	if err != nil {
		return store.ReplayReport{}, err
	}

	client, err := pg.New(ctx, pg.Options{URL: cfg.DatabaseURL})
	if err != nil {
		return store.ReplayReport{}, fmt.Errorf("connect database: %w", err)
	}
	defer client.Close()

	st, err := postgres.New(postgres.Options{Client: client})
	if err != nil {
		return store.ReplayReport{}, err
	}
	svc, err := replay.New(replay.Options{Store: st, Logger: telemetry.NewClueLogger()})
	if err != nil {
		return store.ReplayReport{}, err
	}
	return svc.Replay(ctx, params)
}

func isUsageError(err error) bool {
	return errors.Is(err, store.ErrReplaySelector) ||
		errors.Is(err, store.ErrReplayLimit) ||
		errors.Is(err, store.ErrReplayToken)
}
