package elastic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/modules"
	"github.com/reconflow/reconflow/pkg/report"
)

func fakeCluster(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()

	var mu sync.Mutex
	var bulk strings.Builder

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/":
			fmt.Fprint(w, `{"version":{"number":"8.9.0"}}`)
		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			bulk.Write(body)
			mu.Unlock()
			fmt.Fprint(w, `{"took":1,"errors":false,"items":[]}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return bulk.String()
	}
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(&config.Elastic{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestNewDefaultsIndexName(t *testing.T) {
	srv, _ := fakeCluster(t)

	client, err := New(&config.Elastic{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "reconflow_findings", client.index)
}

func TestIndexJSONLinesFile(t *testing.T) {
	srv, bulkBody := fakeCluster(t)

	client, err := New(&config.Elastic{URL: srv.URL, Index: "recon"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nuclei.json")
	content := `{"template-id":"cve-2021-1234","host":"https://a.example.com"}` + "\n" +
		"\n" + // blank lines are skipped
		`{"template-id":"exposed-panel","host":"https://b.example.com"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.NoError(t, client.IndexJSONLinesFile(context.Background(), path))

	body := bulkBody()
	assert.Contains(t, body, `"template-id":"cve-2021-1234"`)
	assert.Contains(t, body, `"template-id":"exposed-panel"`)
	assert.Equal(t, 2, strings.Count(body, `"index"`))
}

func TestIndexJSONLinesFileMissing(t *testing.T) {
	srv, _ := fakeCluster(t)

	client, err := New(&config.Elastic{URL: srv.URL})
	require.NoError(t, err)

	err = client.IndexJSONLinesFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestIndexReportFlattensFindings(t *testing.T) {
	srv, bulkBody := fakeCluster(t)

	client, err := New(&config.Elastic{URL: srv.URL})
	require.NoError(t, err)

	rep := &report.Report{
		ScanID:    "scan-9",
		Target:    "example.com",
		StartedAt: time.Now(),
		Modules: map[string]report.ModuleSection{
			"takeover": {
				State: "succeeded",
				Summary: &report.ModuleSummary{
					Results: 1,
					Findings: []modules.Finding{{
						Type:   "subdomain_takeover",
						Target: "old.example.com",
						Detail: "dangling CNAME",
					}},
				},
			},
			"dns": {State: "succeeded", Summary: &report.ModuleSummary{Results: 4}},
		},
	}

	require.NoError(t, client.IndexReport(context.Background(), rep))

	body := bulkBody()
	assert.Contains(t, body, `"scan_id":"scan-9"`)
	assert.Contains(t, body, `"type":"subdomain_takeover"`)
	assert.Contains(t, body, `"detail":"dangling CNAME"`)
	assert.NotContains(t, body, `"module":"dns"`, "modules without findings produce no documents")
}
