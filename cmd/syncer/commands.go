package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"booru_mirror/internal/domain"
	"booru_mirror/internal/scheduler"
)

// session carries the app built for the command being executed.
type session struct {
	configPath string
	app        *app
}

// execute runs the command line in args and releases the app afterwards,
// including when the command fails.
func execute(ctx context.Context, args []string, out io.Writer) (err error) {
	s := &session{}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(out)

	defer func() {
		if s.app != nil {
			err = errors.Join(err, s.app.Close())
		}
	}()

	return root.ExecuteContext(ctx)
}

func newRootCmd(s *session) *cobra.Command {
	root := &cobra.Command{
		Use:           "syncer",
		Short:         "Mirror booru sources into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), s.configPath)
			if err != nil {
				return err
			}
			s.app = a
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&s.configPath, "config", "config.yaml", "path to config file")

	root.AddCommand(
		newRunCmd(s),
		newSyncCmd(s),
		newRepairCmd(s),
		newCheckAuthCmd(s),
		newSourceCmd(s),
		newCredentialsCmd(s),
		newPostCmd(s),
	)

	return root
}

func newRunCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync all sources on the configured interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			ctx := cmd.Context()

			if a.cfg.Metrics.Addr != "" {
				srv := &http.Server{Addr: a.cfg.Metrics.Addr, ReadHeaderTimeout: 5 * time.Second}
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv.Handler = mux

				go func() {
					a.logger.Info("metrics server listening", "addr", a.cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			a.logger.Info("starting booru syncer",
				"providers", a.registry.IDs(),
				"interval", a.cfg.Sync.Interval,
				"concurrent_limit", a.cfg.Sync.ConcurrentLimit,
			)

			sched := scheduler.NewScheduler(a.coordinator, a.cfg.Sync.Interval, a.cfg.Sync.RunTimeout, a.logger)
			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		},
	}
}

func newSyncCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync of every tracked source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app

			stats, err := a.coordinator.SyncAll(cmd.Context())
			if err != nil {
				return err
			}
			if stats == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "A sync is already running.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d sources in %d batches: %d ok, %d failed, %d new posts (%s)\n",
				stats.Sources, stats.Batches, stats.Succeeded, stats.Failed, stats.NewPosts,
				stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newRepairCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <source-id>",
		Short: "Re-scan the first pages of one source ignoring its high-water mark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", args[0], err)
			}

			stats, err := s.app.coordinator.RepairOne(cmd.Context(), id)
			if err != nil {
				return err
			}
			if stats == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "A sync is already running.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s: %d pages, %d fetched, %d restored\n",
				stats.SourceName, stats.Pages, stats.Fetched, stats.Inserted)
			return nil
		},
	}
}

func newCheckAuthCmd(s *session) *cobra.Command {
	var providerID string

	cmd := &cobra.Command{
		Use:   "check-auth",
		Short: "Verify the stored API credentials against each provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			ctx := cmd.Context()

			creds, err := a.credentials.Get(ctx)
			if err != nil {
				return err
			}
			if !creds.Valid() {
				return domain.ErrNoCredentials
			}

			ids := a.registry.IDs()
			if providerID != "" {
				ids = []string{providerID}
			}

			failed := false
			for _, id := range ids {
				p, err := a.registry.Provider(id)
				if err != nil {
					return err
				}
				ok, err := p.CheckAuth(ctx, *creds)
				switch {
				case err != nil:
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s error: %v\n", id, err)
				case !ok:
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s rejected\n", id)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s ok\n", id)
				}
			}
			if failed {
				return errors.New("credential check failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerID, "provider", "", "check only this provider")
	return cmd
}

func newSourceCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage tracked sources",
	}

	var (
		name       string
		sourceType string
		providerID string
	)
	add := &cobra.Command{
		Use:   "add <query-tag>",
		Short: "Track a new tag, uploader or query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app

			st, err := domain.ParseSourceType(sourceType)
			if err != nil {
				return err
			}
			if _, err := a.registry.Provider(providerID); err != nil {
				return err
			}

			src := &domain.Source{
				Name:       name,
				QueryTag:   args[0],
				Type:       st,
				ProviderID: providerID,
			}
			if err := a.sources.Create(cmd.Context(), src); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added source %d (%s)\n", src.ID, src.DisplayName())
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&sourceType, "type", string(domain.SourceTypeTag), "tag, uploader or query")
	add.Flags().StringVar(&providerID, "provider", "rule34", "provider id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked sources with their sync progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := s.app.sources.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sources tracked.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tPROVIDER\tHIGH WATER\tNEW\tLAST CHECKED")
			for _, src := range sources {
				checked := "never"
				if src.LastCheckedAt != nil {
					checked = src.LastCheckedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
					src.ID, src.DisplayName(), src.Type, src.ProviderID, src.HighWaterMark, src.NewResultsCount, checked)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newCredentialsCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage upstream API credentials",
	}

	var accountID, apiKey string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the account id and API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("BOORU_API_KEY")
			}
			creds := domain.Credentials{AccountID: accountID, APIKey: apiKey}
			if !creds.Valid() {
				return errors.New("both --account-id and --api-key are required")
			}
			if err := s.app.credentials.Save(cmd.Context(), creds); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials saved.")
			return nil
		},
	}
	set.Flags().StringVar(&accountID, "account-id", "", "account (user) id")
	set.Flags().StringVar(&apiKey, "api-key", "", "API key (defaults to $BOORU_API_KEY)")

	cmd.AddCommand(set)
	return cmd
}

func newPostCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Inspect stored posts and edit their local flags",
	}

	var viewed, favorited bool
	mark := &cobra.Command{
		Use:   "mark <source-id> <remote-id>",
		Short: "Set the viewed and favorited flags of a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", args[0], err)
			}
			remoteID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid remote id %q: %w", args[1], err)
			}

			if err := s.app.posts.SetFlags(cmd.Context(), sourceID, remoteID, viewed, favorited); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Post %d: viewed=%t favorited=%t\n", remoteID, viewed, favorited)
			return nil
		},
	}
	mark.Flags().BoolVar(&viewed, "viewed", false, "mark as viewed")
	mark.Flags().BoolVar(&favorited, "favorited", false, "mark as favorited")

	var limit int
	list := &cobra.Command{
		Use:   "list <source-id>",
		Short: "Show the newest stored posts of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := s.app
			ctx := cmd.Context()

			sourceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", args[0], err)
			}

			total, err := a.posts.CountBySource(ctx, sourceID)
			if err != nil {
				return err
			}
			posts, err := a.posts.ListBySource(ctx, sourceID, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REMOTE ID\tRATING\tVIEWED\tFAV\tFILE")
			for _, p := range posts {
				fmt.Fprintf(w, "%d\t%s\t%t\t%t\t%s\n", p.RemoteID, p.Rating, p.Viewed, p.Favorited, p.FileURL)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d posts\n", len(posts), total)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of posts to show")

	cmd.AddCommand(mark, list)
	return cmd
}
