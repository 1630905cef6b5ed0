package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	acme "github.com/caasmo/restinpieces-certonly"
)

func newCertonlyCmd(g *globalOptions) *cobra.Command {
	var standalone bool
	cmd := &cobra.Command{
		Use:   "certonly",
		Short: "Obtain a certificate, or keep the current one while it is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer s.close()

			bundle, err := runWithChallengeServer(ctx, s, standalone, func(ctx context.Context) (*acme.Bundle, error) {
				return s.orchestrator.Generate(ctx, s.cfg)
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

// runWithChallengeServer runs fn, with a challenge server alongside it when
// standalone is set. The port is bound before fn runs, so no order is placed
// without a responder. The server is stopped once fn returns.
func runWithChallengeServer(ctx context.Context, s *session, standalone bool, fn func(context.Context) (*acme.Bundle, error)) (*acme.Bundle, error) {
	if !standalone {
		return fn(ctx)
	}

	webroot := acme.NewWebroot(s.cfg.Resolve(s.cfg.WebrootPath))
	server := acme.NewChallengeServer(s.cfg.HTTPPort, webroot, s.logger)
	ln, err := server.Listen()
	if err != nil {
		s.logger.Error("Cannot bind challenge server", "port", s.cfg.HTTPPort, "error", err)
		return nil, err
	}

	serverCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})

	bundle, runErr := fn(gctx)
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Challenge server failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return bundle, runErr
}

func printBundle(w io.Writer, b *acme.Bundle) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Got certificate for\n")
	for _, name := range b.Altnames {
		fmt.Fprintf(w, "\t%s\n", name)
	}
	fmt.Fprintf(w, "Issued at %s\n", b.IssuedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Valid until %s\n", b.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Private key:\n\t%s\n", b.Files.PrivateKey)
	fmt.Fprintf(w, "Certificate:\n\t%s\n", b.Files.Cert)
	fmt.Fprintf(w, "Chain:\n\t%s\n", b.Files.Chain)
	fmt.Fprintf(w, "Fullchain:\n\t%s\n", b.Files.Fullchain)
	if b.Files.KeyFullchain != "" {
		fmt.Fprintf(w, "Key+fullchain:\n\t%s\n", b.Files.KeyFullchain)
	}
	fmt.Fprintln(w, "")
}
