package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultReleaseURL is the latest release of the configuration bundles.
const DefaultReleaseURL = "https://api.github.com/repos/HydraResearchLLC/Nautilus-Configuration-Macros/releases/latest"

// Release is one published bundle set.
type Release struct {
	Tag       string `json:"tag"`
	ConfigURL string `json:"config_url"`
	MacrosURL string `json:"macros_url"`
}

// Releases reads the GitHub releases API.
type Releases struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Latest returns the newest release. The first asset is the config
// bundle and the second the macros bundle.
func (r *Releases) Latest(ctx context.Context) (Release, error) {
	url := r.URL
	if url == "" {
		url = DefaultReleaseURL
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Release{}, fmt.Errorf("release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("fetching latest release: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Release{}, fmt.Errorf("reading latest release: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("latest release returned %d", resp.StatusCode)
	}

	var gh githubRelease
	if err := json.Unmarshal(body, &gh); err != nil {
		return Release{}, fmt.Errorf("decoding latest release: %w", err)
	}
	if len(gh.Assets) < 2 {
		return Release{}, fmt.Errorf("release %s has %d assets, want config and macros", gh.TagName, len(gh.Assets))
	}

	tag := gh.TagName
	if tag == "" {
		tag = gh.Name
	}
	return Release{
		Tag:       tag,
		ConfigURL: gh.Assets[0].BrowserDownloadURL,
		MacrosURL: gh.Assets[1].BrowserDownloadURL,
	}, nil
}
