package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/registry"
)

func newSeedDemoCmd(configPath func() string) *cobra.Command {
	var defaults bool

	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "Write the demo grid into empty namespaces",
		Long: `Writes a 3x3 demo grid into the namespace of every given secret whose
namespace is still empty. Decoy secrets get the decoy dataset, real secrets the
real one. Secrets are read from stdin unless --defaults is set, which uses the
built-in demo secrets. Running it twice changes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var secrets []string
			if defaults {
				for _, s := range registry.DefaultSeeds {
					secrets = append(secrets, s.Secret)
				}
			} else {
				var err error
				if secrets, err = readSecrets(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			meta := gate.Meta{Origin: "cli", ClientID: "seed-demo"}
			var written, skipped int
			for _, s := range secrets {
				c, err := a.registry.Resolve(cmd.Context(), s)
				if errors.Is(err, registry.ErrAuthFailure) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s not registered or inactive\n", registry.LookupHash(s)[:12])
					continue
				}
				if err != nil {
					return err
				}
				n, err := a.matrix.SeedDemo(cmd.Context(), gate.NewGrant("cli", c, []byte(s)), meta)
				if err != nil {
					return err
				}
				if n == 0 {
					skipped++
				} else {
					written++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d namespaces seeded, %d already had data\n", written, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "seed the built-in demo secrets")
	return cmd
}
