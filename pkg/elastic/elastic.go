package elastic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/report"
)

type Client struct {
	es    *es8.Client
	index string
}

func New(cfg *config.Elastic) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = "reconflow_findings"
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	// Lightweight ping
	if _, err := es.Info(); err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}

	return &Client{es: es, index: index}, nil
}

type findingDoc struct {
	ScanID    string    `json:"scan_id"`
	Target    string    `json:"target"`
	Module    string    `json:"module"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity,omitempty"`
	Host      string    `json:"host,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`
}

// IndexReport bulk-indexes every finding from a sealed report as its own
// document.
func (c *Client) IndexReport(ctx context.Context, rep *report.Report) error {
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 4,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	now := time.Now().UTC()
	for name, section := range rep.Modules {
		if section.Summary == nil {
			continue
		}
		for _, finding := range section.Summary.Findings {
			doc := findingDoc{
				ScanID:    rep.ScanID,
				Target:    rep.Target,
				Module:    name,
				Type:      finding.Type,
				Severity:  finding.Severity,
				Host:      finding.Target,
				Detail:    finding.Detail,
				IndexedAt: now,
			}
			body, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to encode finding: %w", err)
			}

			item := esutil.BulkIndexerItem{
				Action: "index",
				Body:   bytes.NewReader(body),
				OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				},
			}
			if err := bi.Add(ctx, item); err != nil {
				return fmt.Errorf("bulk add failed: %w", err)
			}
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close failed: %w", err)
	}

	return nil
}

// IndexJSONLinesFile streams a raw JSONL artifact into the index, one
// document per line.
func (c *Client) IndexJSONLinesFile(ctx context.Context, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open jsonl file: %w", err)
	}
	defer f.Close()

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 4,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		item := esutil.BulkIndexerItem{
			Action: "index",
			Body:   strings.NewReader(line),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return fmt.Errorf("bulk add failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close failed: %w", err)
	}

	return nil
}
