package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sentriva/hostscan/pkg/errors"
)

// ReleaseAsset is one downloadable file attached to a release.
type ReleaseAsset struct {
	Name        string
	DownloadURL string
	Size        int64
}

// Release is the latest published release of a tool repository.
type Release struct {
	Tag    string
	Assets []ReleaseAsset
}

// ReleaseProvider fetches release metadata and asset contents from a
// hosting platform.
type ReleaseProvider interface {
	// LatestRelease returns the newest published release for repo
	// ("owner/name").
	LatestRelease(ctx context.Context, repo string) (*Release, error)

	// Download fetches the asset contents.
	Download(ctx context.Context, asset *ReleaseAsset) ([]byte, error)
}

const defaultDownloadTimeout = 2 * time.Minute

// newRateLimiter builds the shared release-API limiter. A zero interval
// means unlimited.
func newRateLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// =============================================================================
// GitHub
// =============================================================================

// GitHubProvider fetches releases from the GitHub API.
type GitHubProvider struct {
	client     *github.Client
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGitHubProvider creates a GitHub release provider. An empty token
// uses unauthenticated access (subject to the public rate limits).
func NewGitHubProvider(token string, rateEvery time.Duration) *GitHubProvider {
	httpClient := &http.Client{Timeout: defaultDownloadTimeout}

	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		client = github.NewClient(nil)
	}

	return &GitHubProvider{
		client:     client,
		httpClient: httpClient,
		limiter:    newRateLimiter(rateEvery),
	}
}

// LatestRelease returns the newest published release for owner/name.
func (p *GitHubProvider) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.E(errors.KindCanceled, "github.LatestRelease", err)
	}

	rel, _, err := p.client.Repositories.GetLatestRelease(ctx, owner, name)
	if err != nil {
		return nil, errors.E(errors.KindProvisionNetwork, "github.LatestRelease", err)
	}

	out := &Release{Tag: rel.GetTagName()}
	for _, a := range rel.Assets {
		out.Assets = append(out.Assets, ReleaseAsset{
			Name:        a.GetName(),
			DownloadURL: a.GetBrowserDownloadURL(),
			Size:        int64(a.GetSize()),
		})
	}
	return out, nil
}

// Download fetches the asset via its browser download URL.
func (p *GitHubProvider) Download(ctx context.Context, asset *ReleaseAsset) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.E(errors.KindCanceled, "github.Download", err)
	}
	return fetchURL(ctx, p.httpClient, asset.DownloadURL)
}

// =============================================================================
// GitLab
// =============================================================================

// GitLabProvider fetches releases from the GitLab API.
type GitLabProvider struct {
	client     *gitlab.Client
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGitLabProvider creates a GitLab release provider.
func NewGitLabProvider(token string, rateEvery time.Duration) (*GitLabProvider, error) {
	client, err := gitlab.NewClient(token)
	if err != nil {
		return nil, errors.E(errors.KindConfig, "tools.NewGitLabProvider", err)
	}
	return &GitLabProvider{
		client:     client,
		httpClient: &http.Client{Timeout: defaultDownloadTimeout},
		limiter:    newRateLimiter(rateEvery),
	}, nil
}

// LatestRelease returns the newest release for a "group/project" path.
func (p *GitLabProvider) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.E(errors.KindCanceled, "gitlab.LatestRelease", err)
	}

	releases, _, err := p.client.Releases.ListReleases(repo, &gitlab.ListReleasesOptions{
		ListOptions: gitlab.ListOptions{PerPage: 1},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, errors.E(errors.KindProvisionNetwork, "gitlab.LatestRelease", err)
	}
	if len(releases) == 0 {
		return nil, errors.E(errors.KindProvision, "gitlab.LatestRelease",
			fmt.Sprintf("no releases published for %s", repo))
	}

	rel := releases[0]
	out := &Release{Tag: rel.TagName}
	for _, link := range rel.Assets.Links {
		url := link.DirectAssetURL
		if url == "" {
			url = link.URL
		}
		out.Assets = append(out.Assets, ReleaseAsset{
			Name:        link.Name,
			DownloadURL: url,
		})
	}
	return out, nil
}

// Download fetches the asset contents.
func (p *GitLabProvider) Download(ctx context.Context, asset *ReleaseAsset) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.E(errors.KindCanceled, "gitlab.Download", err)
	}
	return fetchURL(ctx, p.httpClient, asset.DownloadURL)
}

// =============================================================================
// Shared helpers
// =============================================================================

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.E(errors.KindConfig, "tools.splitRepo",
			fmt.Sprintf("invalid repo %q, want owner/name", repo))
	}
	return parts[0], parts[1], nil
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.E(errors.KindProvisionNetwork, "tools.fetchURL", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.E(errors.KindProvisionNetwork, "tools.fetchURL", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.E(errors.KindProvisionNetwork, "tools.fetchURL",
			fmt.Sprintf("download returned %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(errors.KindProvisionNetwork, "tools.fetchURL", err)
	}
	return data, nil
}
