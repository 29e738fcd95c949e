package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/config"
	"github.com/prudhvinik1/auditrelay/internal/database"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/services"
	"github.com/spf13/cobra"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relay schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			pool, err := database.NewPostgresPool(cmd.Context(), cfg.DatabaseURL, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(map[string]bool{"migrated": true}, func(w io.Writer) {
				fmt.Fprintln(w, "schema up to date")
			})
		},
	}
}

func NewInitCommand(opts *RootOptions) *cobra.Command {
	var initialised bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set whether notifications are tracked",
		Long: `Set the relay_config initialised flag.

Notifications are ignored until the flag is true. The first sync job that
finishes sets it automatically; use this to set or clear it by hand.

Examples:
  relayctl init --initialised
  relayctl init --initialised=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RelayConfig.SetInitialised(cmd.Context(), initialised); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(models.RelayConfig{Initialised: initialised}, func(w io.Writer) {
				fmt.Fprintf(w, "initialised=%t\n", initialised)
			})
		},
	}

	cmd.Flags().BoolVar(&initialised, "initialised", true, "whether notifications are tracked")
	return cmd
}

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync job and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, runErr := a.Reconciler.Run(cmd.Context())
			if job == nil {
				return runErr
			}
			if err := opts.formatter(cmd).Success(job, func(w io.Writer) { printJob(w, job) }); err != nil {
				return err
			}
			return runErr
		},
	}
}

func NewEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <object-id>",
		Short: "List the events of a collection or document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objectID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid object id %q: %w", args[0], err)
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Relay.Events(cmd.Context(), objectID)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(events, func(w io.Writer) { printEvents(w, events) })
		},
	}
}

func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <event-id>",
		Short: "Reset a failed event's attempts and queue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			event, err := a.Relay.RetryEvent(cmd.Context(), eventID)
			if err != nil {
				return fmt.Errorf("failed to retry event %s: %w", eventID, err)
			}
			return opts.formatter(cmd).Success(event, func(w io.Writer) {
				printEvents(w, []*models.Event{event})
			})
		},
	}
}

func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the ingress API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			issued, err := services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry).IssueToken(subject)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(issued, func(w io.Writer) {
				fmt.Fprintln(w, issued.Token)
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "calling system the token is issued to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJob(w io.Writer, job *models.SyncJob) {
	fmt.Fprintf(w, "job %s %s\n", job.ID, job.Status)
	fmt.Fprintf(w, "  started  %s\n", job.StartedAt.Format(time.RFC3339))
	if job.EndedAt != nil {
		fmt.Fprintf(w, "  ended    %s\n", job.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  backfilled %d collections, %d documents\n", job.CollectionsBackfilled, job.DocumentsBackfilled)
	fmt.Fprintf(w, "  submitted %d events, %d synced\n", job.EventsSubmitted, job.EventsSynced)
	if job.Error != nil {
		fmt.Fprintf(w, "  error    %s\n", *job.Error)
	}
}

func printEvents(w io.Writer, events []*models.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "%3d  %s  %-10s %-6s %-10s attempts=%d user=%s\n",
			e.Sequence, e.ID, e.ObjectType, e.EventType, e.Status, e.Attempts, e.UserID)
		if e.LastError != nil {
			fmt.Fprintf(w, "     last error: %s\n", *e.LastError)
		}
	}
}
