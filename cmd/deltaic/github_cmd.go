package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	gogithub "github.com/google/go-github/v66/github"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/cmusatyalab/deltaic/internal/config"
)

// newGitHubCmd builds the `github` subcommand group: low-level
// GitHub-specific operations beyond the generic run-unit/backup path,
// matching the original's "low-level GitHub support" group.
func newGitHubCmd(a *app) *cobra.Command {
	group := &cobra.Command{
		Use:   "github",
		Short: "Low-level GitHub mirroring support",
	}

	var scrub bool
	backup := &cobra.Command{
		Use:   "backup <unit>",
		Short: "Back up a single organization or repository unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnitBackup(cmd.Context(), a, "github", args[0], scrub)
		},
	}
	backup.Flags().BoolVar(&scrub, "scrub", false, "run the unit's consistency-check pass")

	ls := &cobra.Command{
		Use:   "ls <organization>",
		Short: "List an organization's repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := a.cfg.Settings.Extra["github-token"].(string)
			if token == "" {
				return fmt.Errorf("github ls: settings missing 'github-token'")
			}
			gh := githubClient(cmd.Context(), token)
			repos, _, err := gh.Repositories.ListByOrg(cmd.Context(), args[0], nil)
			if err != nil {
				return fmt.Errorf("github ls: %w", err)
			}
			names := make([]string, 0, len(repos))
			for _, r := range repos {
				names = append(names, r.GetName())
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}

	auth := &cobra.Command{
		Use:   "auth",
		Short: "Validate (or prompt for) the GitHub personal access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return githubAuth(cmd.Context(), a.cfg)
		},
	}

	group.AddCommand(backup, ls, auth)
	return group
}

func githubClient(ctx context.Context, token string) *gogithub.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gogithub.NewClient(oauth2.NewClient(ctx, ts))
}

// githubAuth validates the configured token against the API the way the
// original's cmd_github_auth did with gh.rate_limit(), and, if none is
// configured (or it's rejected), prompts for a personal access token to
// paste into settings.github-token. GitHub retired the
// username/password/2FA OAuth authorize flow the original used for this
// command, so a PAT is the only credential obtainable here without
// registering a separate OAuth App.
func githubAuth(ctx context.Context, cfg *config.Config) error {
	token, _ := cfg.Settings.Extra["github-token"].(string)
	if token != "" {
		gh := githubClient(ctx, token)
		if _, _, err := gh.RateLimit.Get(ctx); err == nil {
			fmt.Println("Stored token is valid.")
			return nil
		}
		fmt.Fprintln(os.Stderr, "Stored token was not accepted; reauthorizing")
	}

	fmt.Print("GitHub personal access token (repo, read:org scopes): ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("github auth: reading token: %w", err)
	}
	token = strings.TrimSpace(line)
	if token == "" {
		return fmt.Errorf("github auth: no token entered")
	}

	gh := githubClient(ctx, token)
	if _, _, err := gh.RateLimit.Get(ctx); err != nil {
		return fmt.Errorf("github auth: token rejected: %w", err)
	}

	fmt.Println()
	fmt.Println("settings:")
	fmt.Printf("  github-token: %s\n", token)
	return nil
}
