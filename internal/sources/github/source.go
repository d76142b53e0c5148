package github

import (
	"context"
	"errors"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v66/github"

	"github.com/cmusatyalab/deltaic/internal/config"
	"github.com/cmusatyalab/deltaic/internal/scrub"
	"github.com/cmusatyalab/deltaic/internal/source"
)

// orgManifest is the decoded shape of one entry under the `github:`
// config key: the organization name plus an optional
// organization-metadata toggle (default true, matching the original).
type orgManifest struct {
	org                 string
	organizationMetadata bool
}

// Source adapts the `github:` config block to source.Source. Each
// entry names an organization; Units dynamically queries the GitHub
// API for that organization's repository list, so the configured
// manifest never needs to enumerate repos by hand.
type Source struct {
	orgs             []orgManifest
	token            string
	gitPath          string
	scrubProbability float64
}

// NewSource builds a Source from the `github:` config block, the
// configured GitHub token, and the scrub-probability knob.
func NewSource(units []config.SourceUnit, settings config.Settings) (*Source, error) {
	token, _ := settings.Extra["github-token"].(string)
	if token == "" {
		return nil, errors.New("github: settings missing 'github-token'")
	}
	orgs := make([]orgManifest, 0, len(units))
	for _, su := range units {
		meta := true
		if v, ok := su.Extra["organization-metadata"].(bool); ok {
			meta = v
		}
		orgs = append(orgs, orgManifest{org: su.Name, organizationMetadata: meta})
	}
	return &Source{
		orgs:             orgs,
		token:            token,
		gitPath:          settings.BinaryPaths["git"],
		scrubProbability: settings.Probability("github-scrub-probability"),
	}, nil
}

// Label implements source.Source.
func (s *Source) Label() string { return "github" }

// Units implements source.Source. It contacts the GitHub API to
// enumerate each configured organization's repositories, matching the
// original's dynamic "github ls" re-invocation.
func (s *Source) Units() ([]source.Unit, error) {
	ctx := context.Background()
	gh := newClient(ctx, s.token)

	var result []source.Unit
	for _, om := range s.orgs {
		if om.organizationMetadata {
			result = append(result, &Unit{
				client:           gh,
				org:              om.org,
				token:            s.token,
				gitPath:          s.gitPath,
				scrubProbability: s.scrubProbability,
			})
		}
		repos, err := ListRepos(ctx, gh, om.org)
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		for _, repo := range repos {
			result = append(result, &Unit{
				client:           gh,
				org:              om.org,
				repo:             repo,
				token:            s.token,
				gitPath:          s.gitPath,
				scrubProbability: s.scrubProbability,
			})
		}
	}
	return result, nil
}

// Unit backs up either an organization's team metadata (repo == "") or
// a single repository's git content and metadata.
type Unit struct {
	client           *gogithub.Client
	org              string
	repo             string
	token            string
	gitPath          string
	scrubProbability float64
}

// Name implements source.Unit.
func (u *Unit) Name() string { return relRoot(u.org, u.repo) }

// Backup implements source.Unit.
func (u *Unit) Backup(ctx context.Context, root string, forceScrub bool) error {
	if u.repo == "" {
		return SyncOrg(ctx, u.client, u.org, root)
	}
	doScrub := forceScrub || scrub.DoWork(u.Name(), time.Now(), u.scrubProbability)
	return SyncRepo(ctx, u.client, u.org, u.repo, root, u.token, doScrub, u.gitPath)
}
