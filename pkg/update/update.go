package update

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	defaultReleaseURL = "https://api.github.com/repos/reconflow/reconflow/releases/latest"
	releaseTimeout    = 30 * time.Second
	downloadTimeout   = 5 * time.Minute
)

// Release is the subset of the GitHub release payload the updater reads.
type Release struct {
	TagName     string  `json:"tag_name"`
	PublishedAt string  `json:"published_at"`
	Assets      []Asset `json:"assets"`
}

type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

func (r *Release) asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// AssetName returns the release binary name for a version on the given
// platform, e.g. reconflow_1.2.0_linux_amd64. Tags may carry a leading "v".
func AssetName(version, goos, goarch string) string {
	name := fmt.Sprintf("reconflow_%s_%s_%s", strings.TrimPrefix(version, "v"), goos, goarch)
	if goos == "windows" {
		name += ".exe"
	}
	return name
}

// ChecksumName returns the name of the sha256 manifest published alongside
// the release binaries.
func ChecksumName(version string) string {
	return fmt.Sprintf("reconflow_%s_checksums.txt", strings.TrimPrefix(version, "v"))
}

// NewerVersion reports whether latest is a strictly newer x.y.z version
// than current.
func NewerVersion(current, latest string) bool {
	currentParts := strings.Split(strings.TrimPrefix(current, "v"), ".")
	latestParts := strings.Split(strings.TrimPrefix(latest, "v"), ".")

	for i := 0; i < 3; i++ {
		var c, l int
		if i < len(currentParts) {
			fmt.Sscanf(currentParts[i], "%d", &c)
		}
		if i < len(latestParts) {
			fmt.Sscanf(latestParts[i], "%d", &l)
		}
		if l != c {
			return l > c
		}
	}
	return false
}

// Updater replaces the running binary with the latest published release.
// The download is verified against the release's checksum manifest before
// the binary is swapped, so a truncated or tampered asset never lands.
type Updater struct {
	ReleaseURL string
	TargetPath string // defaults to the running executable
	Verbose    bool
	Out        io.Writer

	client *http.Client
}

func New(verbose bool) *Updater {
	return &Updater{
		ReleaseURL: defaultReleaseURL,
		Verbose:    verbose,
		Out:        os.Stdout,
		client:     &http.Client{Timeout: releaseTimeout},
	}
}

func (u *Updater) verbosef(format string, args ...interface{}) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "[UPDATE] "+format+"\n", args...)
	}
}

func (u *Updater) latest() (*Release, error) {
	req, err := http.NewRequest("GET", u.ReleaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "reconflow-updater")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release: %w", err)
	}
	return &release, nil
}

// checksums fetches and parses the release's sha256 manifest. Lines have
// the coreutils shape "<hex>  <filename>".
func (u *Updater) checksums(rel *Release) (map[string]string, error) {
	manifest, ok := rel.asset(ChecksumName(rel.TagName))
	if !ok {
		return nil, fmt.Errorf("release %s has no checksum manifest", rel.TagName)
	}

	resp, err := u.client.Get(manifest.BrowserDownloadURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checksum manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checksum manifest returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum manifest: %w", err)
	}

	sums := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		sums[fields[1]] = strings.ToLower(fields[0])
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("checksum manifest for %s is empty", rel.TagName)
	}
	return sums, nil
}

// download writes the asset to path and returns the hex sha256 of the
// bytes written.
func (u *Updater) download(url, path string) (string, error) {
	u.verbosef("Downloading %s", url)

	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	u.verbosef("Download complete")
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (u *Updater) swap(target, staged string) error {
	u.verbosef("Replacing binary at %s", target)

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old binary: %w", err)
	}
	if err := os.Rename(staged, target); err != nil {
		return fmt.Errorf("failed to replace binary: %w", err)
	}
	return nil
}

// Run checks the latest release, downloads the platform binary, verifies
// its checksum against the manifest, and swaps it in place.
func (u *Updater) Run(currentVersion string) error {
	u.verbosef("Checking for updates...")

	rel, err := u.latest()
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}

	u.verbosef("Current version: %s", currentVersion)
	u.verbosef("Latest version:  %s", rel.TagName)

	if !NewerVersion(currentVersion, rel.TagName) {
		fmt.Fprintf(u.Out, "Already running the latest version (%s)\n", currentVersion)
		return nil
	}

	fmt.Fprintf(u.Out, "New version available: %s -> %s\n", currentVersion, rel.TagName)

	name := AssetName(rel.TagName, runtime.GOOS, runtime.GOARCH)
	asset, ok := rel.asset(name)
	if !ok {
		return fmt.Errorf("release %s has no binary for %s/%s", rel.TagName, runtime.GOOS, runtime.GOARCH)
	}

	sums, err := u.checksums(rel)
	if err != nil {
		return err
	}
	want, ok := sums[name]
	if !ok {
		return fmt.Errorf("checksum manifest has no entry for %s", name)
	}

	target := u.TargetPath
	if target == "" {
		target, err = os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
	}
	staged := target + ".new"

	fmt.Fprintln(u.Out, "Downloading update...")
	got, err := u.download(asset.BrowserDownloadURL, staged)
	if err != nil {
		os.Remove(staged)
		return err
	}
	if got != want {
		os.Remove(staged)
		return fmt.Errorf("checksum mismatch for %s: downloaded %s, manifest says %s", name, got, want)
	}
	u.verbosef("Checksum verified: %s", got)

	fmt.Fprintln(u.Out, "Installing update...")
	if err := u.swap(target, staged); err != nil {
		os.Remove(staged)
		return err
	}

	fmt.Fprintf(u.Out, "\nUpdated to %s, restart reconflow to pick it up\n", rel.TagName)
	return nil
}
