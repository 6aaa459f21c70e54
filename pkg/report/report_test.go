package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/pkg/modules"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "example.com"))
	require.NoError(t, err)
	return store
}

func TestRecordPersistsArtifactAndNormalizes(t *testing.T) {
	store := newTestStore(t)

	raw := []byte("a.example.com\nb.example.com\na.example.com\n")
	record, err := store.Record("subdomain", raw)
	require.NoError(t, err)

	assert.Equal(t, "subdomain", record.Module)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, record.Lines)

	data, err := os.ReadFile(store.ArtifactPath("subdomain"))
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestRecordRetryOverwrites(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Record("subdomain", []byte("old.example.com\n"))
	require.NoError(t, err)

	record, err := store.Record("subdomain", []byte("new.example.com\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"new.example.com"}, record.Lines)

	got, ok := store.Get("subdomain")
	require.True(t, ok)
	assert.Equal(t, []string{"new.example.com"}, got.Lines)
}

func TestRecordParseFailureKeepsRawArtifact(t *testing.T) {
	store := newTestStore(t)

	raw := []byte("this is not json\nat all\n")
	_, err := store.Record("tech_detect", raw)

	var parseErr *modules.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "tech_detect", parseErr.Module)

	data, readErr := os.ReadFile(store.ArtifactPath("tech_detect"))
	require.NoError(t, readErr)
	assert.Equal(t, raw, data)

	_, ok := store.Get("tech_detect")
	assert.False(t, ok)
}

func TestRecordUnknownModule(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Record("bogus", []byte("x"))
	assert.Error(t, err)
}

func TestFinalizeWritesReportAndSummary(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Record("subdomain", []byte("a.example.com\nb.example.com\n"))
	require.NoError(t, err)
	_, err = store.Record("live_check", []byte("https://a.example.com\n"))
	require.NoError(t, err)
	_, err = store.Record("nuclei", []byte(`{"template-id":"exposed-panel","info":{"name":"Panel","severity":"medium"},"host":"https://a.example.com"}`+"\n"))
	require.NoError(t, err)

	started := time.Now().Add(-time.Minute)
	ended := time.Now()

	rep, err := store.Finalize("scan-1", "example.com", started, ended, "partial_success", map[string]ModuleInfo{
		"subdomain":  {State: "succeeded", Duration: 3 * time.Second},
		"live_check": {State: "succeeded", Duration: 8 * time.Second},
		"nuclei":     {State: "succeeded", Duration: 40 * time.Second},
		"dns":        {State: "failed", Reason: "exited with code 2 and produced no output"},
		"port_scan":  {State: "skipped", Reason: "dependency failed: dns"},
	})
	require.NoError(t, err)

	assert.Equal(t, "scan-1", rep.ScanID)
	assert.Equal(t, "partial_success", rep.OverallStatus)
	assert.Equal(t, 2, rep.Counts.Subdomains)
	assert.Equal(t, 1, rep.Counts.LiveHosts)
	assert.Equal(t, 1, rep.Counts.TotalVulns)
	assert.Equal(t, 1, rep.Counts.Vulnerabilities["exposed-panel"])

	// Modules without records still have sections, just no summary.
	dns := rep.Modules["dns"]
	assert.Equal(t, "failed", dns.State)
	assert.Nil(t, dns.Summary)
	assert.Empty(t, dns.ArtifactPath)

	sub := rep.Modules["subdomain"]
	require.NotNil(t, sub.Summary)
	assert.Equal(t, 2, sub.Summary.Results)

	data, err := os.ReadFile(filepath.Join(store.OutputDir(), "final_report.json"))
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rep.ScanID, decoded.ScanID)

	summary, err := os.ReadFile(filepath.Join(store.OutputDir(), "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "example.com")
	assert.Contains(t, string(summary), "partial_success")
}

func TestFinalizeSealsOnce(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Finalize("scan-1", "example.com", time.Now(), time.Now(), "success", nil)
	require.NoError(t, err)

	_, err = store.Finalize("scan-1", "example.com", time.Now(), time.Now(), "success", nil)
	assert.Error(t, err)
}

func TestFinalizeTechnologyFindingsAreNotVulnerabilities(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Record("tech_detect", []byte(`{"url":"https://a.example.com","tech":["nginx"]}`+"\n"))
	require.NoError(t, err)

	rep, err := store.Finalize("scan-1", "example.com", time.Now(), time.Now(), "success", map[string]ModuleInfo{
		"tech_detect": {State: "succeeded"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Counts.TotalVulns)
	require.NotNil(t, rep.Modules["tech_detect"].Summary)
	assert.Equal(t, 1, rep.Modules["tech_detect"].Summary.Results)
}

func TestWaybackAndCrawlUrlsAreSummed(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Record("wayback", []byte("https://example.com/a\nhttps://example.com/b\n"))
	require.NoError(t, err)
	_, err = store.Record("url_collect", []byte("https://example.com/c\n"))
	require.NoError(t, err)

	rep, err := store.Finalize("scan-1", "example.com", time.Now(), time.Now(), "success", map[string]ModuleInfo{
		"wayback":     {State: "succeeded"},
		"url_collect": {State: "succeeded"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Counts.URLs)
}
