package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perceptlab/audiorating/internal/api"
	"github.com/perceptlab/audiorating/internal/config"
	"github.com/perceptlab/audiorating/internal/db"
	"github.com/perceptlab/audiorating/internal/middleware"
	"github.com/perceptlab/audiorating/internal/services"
	"github.com/perceptlab/audiorating/internal/studycfg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "audiorating",
		Short:         "Backend for configuration-driven perceptual audio rating studies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPurgeStudyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Seed studies from the config file and run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()
			defer log.Sync()

			studiesCfg, err := studycfg.Load(cfg.StudiesConfig)
			if err != nil {
				return fmt.Errorf("load studies config: %w", err)
			}
			seeder := services.NewSeedService(store, log, cfg.FrontendBaseURL)
			created, err := seeder.Seed(studiesCfg)
			if err != nil {
				return fmt.Errorf("seed studies: %w", err)
			}
			log.Info("seeding complete", zap.Int("studies_created", created))
			if err := seeder.ReportContents(); err != nil {
				return fmt.Errorf("report database contents: %w", err)
			}

			gate := services.NewAccessGate(store)
			auth := middleware.NewAdminAuth(cfg.AdminUsername, cfg.AdminPassword, cfg.JWTSecret)
			router := api.NewRouter(cfg, log, auth,
				services.NewStudyService(gate, store),
				services.NewRatingService(gate, store),
				services.NewAdminService(store),
				services.NewExportService(store))

			mux := http.NewServeMux()
			router.Register(mux)

			handler := middleware.CORS(cfg.OriginAllowed,
				middleware.SecureHeaders(
					middleware.RequestLog(log, mux)))

			log.Info("server listening",
				zap.String("addr", cfg.Addr),
				zap.String("root_path", cfg.RootPath))
			return http.ListenAndServe(cfg.Addr, handler)
		},
	}
}

func newPurgeStudyCmd() *cobra.Command {
	var studyName string
	cmd := &cobra.Command{
		Use:   "purge-study",
		Short: "Delete one study and all its ratings, links and dimensions",
		Long: "Delete one study and all its ratings, links and dimensions. " +
			"Shared song and participant records are preserved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer store.Close()
			defer log.Sync()

			admin := services.NewAdminService(store)
			res, err := admin.PurgeStudy(studyName)
			if err != nil {
				return fmt.Errorf("purge study %q: %w", studyName, err)
			}
			log.Info("study purged",
				zap.String("study", res.NameShort),
				zap.Int("segments_deleted", res.Segments),
				zap.Int("ratings_deleted", res.Ratings),
				zap.Int("song_links_deleted", res.SongLinks),
				zap.Int("participant_links_deleted", res.ParticipantLinks),
				zap.Int("dimensions_deleted", res.Dimensions))
			return nil
		},
	}
	cmd.Flags().StringVar(&studyName, "study", "", "name_short of the study to purge")
	_ = cmd.MarkFlagRequired("study")
	return cmd
}

// bootstrap loads settings, builds the logger and opens the migrated store.
func bootstrap() (*config.Settings, *zap.Logger, *db.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return cfg, log, store, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
