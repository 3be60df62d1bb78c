package main

import (
	"context"
	"log"

	"github.com/VeilonTrading/veilon-trading/internal/app"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "veilon",
		Short:         "Equity streaming and evaluation for funded trading accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newEvaluateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run equity streams, the stream syncer and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			return application.RunServe(cmd.Context())
		},
	}
}

func newEvaluateCmd() *cobra.Command {
	var controlURL string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the periodic pass/fail evaluation over stored bars",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			return application.RunEvaluate(cmd.Context(), controlURL)
		},
	}
	cmd.Flags().StringVar(&controlURL, "control-url", "", "base URL of the serve process, used to stop streams of decided accounts")
	return cmd
}

// setup creates the application and initializes DB and NATS
func setup(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	application, err := app.NewApp()
	if err != nil {
		return nil, err
	}
	if err := application.Init(ctx); err != nil {
		return nil, err
	}
	return application, nil
}
