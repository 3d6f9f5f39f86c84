package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/themegpt/themegpt/internal/credits"
	"github.com/themegpt/themegpt/internal/entitlement"
	"github.com/themegpt/themegpt/internal/store"
)

const (
	defaultMaxSlots = 3
	issueAttempts   = 3
	cliTimeout      = 30 * time.Second
)

func newLicenseCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "license",
		Short: "Inspect and issue license keys",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			if !cmd.Flags().Changed("data-dir") {
				if env := strings.TrimSpace(os.Getenv("THEMEGPT_DATA_DIR")); env != "" {
					dataDir = env
				}
			}
		},
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "directory holding the entitlement database (env THEMEGPT_DATA_DIR)")

	cmd.AddCommand(newLicenseIssueCmd(&dataDir))
	cmd.AddCommand(newLicenseShowCmd(&dataDir))
	return cmd
}

func newLicenseIssueCmd(dataDir *string) *cobra.Command {
	var (
		licenseType string
		maxSlots    int
		themes      []string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create a new license key",
		Example: `  themegpt license issue --type subscription --max-slots 3
  themegpt license issue --type single --theme dracula`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := buildPlan(licenseType, maxSlots, themes)
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(*dataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()

			license, err := issueLicense(ctx, st, plan)
			if err != nil {
				return err
			}
			return printLicense(cmd, license, nil)
		},
	}
	cmd.Flags().StringVar(&licenseType, "type", string(entitlement.TypeSubscription), "license type: subscription or single")
	cmd.Flags().IntVar(&maxSlots, "max-slots", defaultMaxSlots, "concurrent premium themes for a subscription license")
	cmd.Flags().StringSliceVar(&themes, "theme", nil, "theme ID to unlock permanently (single licenses, repeatable)")
	return cmd
}

func newLicenseShowCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Print a license and its link state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(*dataDir)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
			defer cancel()

			key := strings.TrimSpace(args[0])
			license, err := st.GetLicense(ctx, key)
			if err != nil {
				return err
			}
			if license == nil {
				return fmt.Errorf("license %s not found", key)
			}
			link, err := st.GetLicenseLink(ctx, key)
			if err != nil {
				return err
			}
			return printLicense(cmd, license, link)
		},
	}
}

func buildPlan(licenseType string, maxSlots int, themes []string) (entitlement.Plan, error) {
	switch entitlement.LicenseType(strings.ToLower(strings.TrimSpace(licenseType))) {
	case entitlement.TypeSubscription:
		if maxSlots < 1 {
			return nil, fmt.Errorf("--max-slots must be at least 1")
		}
		if len(themes) > 0 {
			return nil, fmt.Errorf("--theme only applies to single licenses")
		}
		return entitlement.SlotPlan{MaxSlots: maxSlots}, nil
	case entitlement.TypeSingle:
		unlocked := entitlement.Dedupe(themes)
		if len(unlocked) == 0 {
			return nil, fmt.Errorf("single licenses need at least one --theme")
		}
		for _, id := range unlocked {
			if t, ok := credits.LookupTheme(id); !ok || !t.Premium {
				return nil, fmt.Errorf("%q is not a premium theme", id)
			}
		}
		return entitlement.SinglePurchase{PermanentlyUnlocked: unlocked}, nil
	default:
		return nil, fmt.Errorf("unknown license type %q", licenseType)
	}
}

func issueLicense(ctx context.Context, st store.EntitlementStore, plan entitlement.Plan) (*entitlement.License, error) {
	for attempt := 0; attempt < issueAttempts; attempt++ {
		key, err := store.GenerateLicenseKey()
		if err != nil {
			return nil, err
		}
		license := &entitlement.License{Key: key, Active: true, Plan: plan}
		err = st.CreateLicense(ctx, license)
		if err == nil {
			return license, nil
		}
		if !errors.Is(err, store.ErrLicenseExists) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not allocate a unique license key after %d attempts", issueAttempts)
}

func printLicense(cmd *cobra.Command, license *entitlement.License, link *entitlement.LicenseLink) error {
	out := cmd.OutOrStdout()
	body, err := json.MarshalIndent(license, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Key: %s\n", license.Key)
	if link != nil {
		fmt.Fprintf(out, "Linked: %s (%s) at %s\n", link.UserID, link.Email, link.LinkedAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "Linked: no")
	}
	fmt.Fprintln(out, string(body))
	return nil
}
