package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thetanil/matrixvault/internal/registry"
	"github.com/thetanil/matrixvault/internal/tier"
)

func newSecretsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the secrets registry",
		Long: `Registers, lists and toggles the secrets that open namespaces.

Secrets are read from standard input, one per line, so they stay out of shell
history. Only fingerprints are ever printed.`,
	}
	cmd.AddCommand(
		newSecretsAddCmd(configPath),
		newSecretsListCmd(configPath),
		newSecretsSetActiveCmd(configPath, true),
		newSecretsSetActiveCmd(configPath, false),
		newSecretsSeedCmd(configPath),
	)
	return cmd
}

func newSecretsAddCmd(configPath func() string) *cobra.Command {
	var (
		tierName    string
		description string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register secrets read from stdin",
		Example: `  printf '%s\n' 'Qwerty01*+' | matrixvault secrets add --tier real --description "primary"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tier.Parse(tierName)
			if err != nil {
				return err
			}
			secrets, err := readSecrets(cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, s := range secrets {
				created, err := a.registry.Register(cmd.Context(), s, t, description)
				if err != nil {
					return err
				}
				state := "exists"
				if created {
					state = "added"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", registry.LookupHash(s)[:12], state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "tier of the secrets: decoy or real")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.MarkFlagRequired("tier")
	return cmd
}

func newSecretsListCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered secrets by fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := a.registry.Count(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tTIER\tACTIVE\tCREATED\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", e.Fingerprint, e.Tier, e.Active,
					e.CreatedAt.Format("2006-01-02 15:04"), e.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nactive: %d decoy, %d real\n", counts[tier.Decoy], counts[tier.Real])
			return nil
		},
	}
}

func newSecretsSetActiveCmd(configPath func() string, active bool) *cobra.Command {
	use, short := "deactivate", "Deactivate secrets read from stdin"
	if active {
		use, short = "activate", "Activate secrets read from stdin"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, err := readSecrets(cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, s := range secrets {
				fp := registry.LookupHash(s)[:12]
				err := a.registry.SetActive(cmd.Context(), s, active)
				if errors.Is(err, registry.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s not registered\n", fp)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", fp, use)
			}
			return nil
		},
	}
}

func newSecretsSeedCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Register the built-in demo secrets (3 decoy, 3 real)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.registry.SeedAll(cmd.Context(), registry.DefaultSeeds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d added, %d already present\n", added, len(registry.DefaultSeeds)-added)
			return nil
		},
	}
}

// readSecrets returns the non-empty lines of r.
func readSecrets(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if s := strings.TrimRight(sc.Text(), "\r"); strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no secrets on standard input")
	}
	return out, nil
}
