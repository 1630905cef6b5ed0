package main

import (
	"context"

	"github.com/spf13/cobra"

	acme "github.com/caasmo/restinpieces-certonly"
)

func newRenewCmd(g *globalOptions) *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the stored certificate when it is due",
		Long:  "renew renews the certificate stored for --domains once it expires within --renew-within days. It exits with status 2 when there is no certificate to renew.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer s.close()

			bundle, err := runWithChallengeServer(ctx, s, standalone, func(ctx context.Context) (*acme.Bundle, error) {
				return s.orchestrator.Renew(ctx, s.cfg)
			})
			if bundle != nil {
				printBundle(cmd.OutOrStdout(), bundle)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&standalone, "standalone", false, "Serve HTTP-01 challenges from the webroot on --http-01-port during the run")
	return cmd
}
