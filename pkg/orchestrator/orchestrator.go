package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/reconflow/reconflow/pkg/adapter"
	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/database"
	"github.com/reconflow/reconflow/pkg/elastic"
	"github.com/reconflow/reconflow/pkg/graph"
	"github.com/reconflow/reconflow/pkg/modules"
	"github.com/reconflow/reconflow/pkg/report"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

// ConfigurationError is fatal: the scan aborts before any module runs.
// It covers unknown module names, dependency cycles, and invalid
// concurrency or timeout values.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
	runner        adapter.Runner
}

// ScanOptions parametrize one orchestrator run for a single target domain.
type ScanOptions struct {
	Target        string
	Modules       []string
	Concurrency   int
	ModuleTimeout time.Duration
	GlobalTimeout time.Duration
	Retries       int
	OutputDir     string
	PassiveOnly   bool
	Aggressive    bool
	Wordlist      string
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func NewOrchestrator(configPath string) (*Orchestrator, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})

	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Warnf("Database initialization failed: %v", err)
	}

	return &Orchestrator{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		db:            db,
		runner:        adapter.NewExecRunner(),
	}, nil
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *database.DB {
	return o.db
}

func (o *Orchestrator) Logger() *logrus.Logger {
	return o.logger
}

// applyDefaults fills zero-valued options from the loaded configuration.
func (o *Orchestrator) applyDefaults(options *ScanOptions) {
	settings := o.config.DefaultSettings

	if options.Concurrency == 0 {
		options.Concurrency = settings.Concurrency
	}
	if options.ModuleTimeout == 0 && settings.ModuleTimeout > 0 {
		options.ModuleTimeout = time.Duration(settings.ModuleTimeout) * time.Second
	}
	if options.GlobalTimeout == 0 && settings.GlobalTimeout > 0 {
		options.GlobalTimeout = time.Duration(settings.GlobalTimeout) * time.Minute
	}
	if options.Retries == 0 {
		options.Retries = settings.Retries
		if options.Retries == 0 && options.Aggressive {
			options.Retries = 1
		}
	}
	if options.OutputDir == "" {
		options.OutputDir = settings.OutputDir
	}
	if len(options.Modules) == 0 {
		options.Modules = modules.Names()
	}
}

// StartScan validates the options, builds the dependency plan, and launches
// the scheduler in the background. The returned ScanJob exposes snapshots
// while running and the sealed report once done.
func (o *Orchestrator) StartScan(ctx context.Context, options ScanOptions) (*ScanJob, error) {
	o.applyDefaults(&options)

	if options.Target == "" {
		return nil, &ConfigurationError{Err: fmt.Errorf("target domain is required")}
	}
	if !ValidTarget(options.Target) {
		return nil, &ConfigurationError{Err: fmt.Errorf("invalid target domain: %s", options.Target)}
	}
	if options.Concurrency <= 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("concurrency must be greater than 0")}
	}
	if options.Retries < 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("retries cannot be negative")}
	}
	if options.GlobalTimeout < 0 || options.ModuleTimeout < 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("timeouts cannot be negative")}
	}

	plan, err := graph.Build(options.Modules, modules.DependencyMap())
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	job, err := newScanJob(options, plan, o.config, o.runner, o.logger)
	if err != nil {
		return nil, err
	}

	o.logger.Infof("Starting scan %s for %s: %d modules, concurrency %d",
		job.ID, options.Target, len(plan.Modules), options.Concurrency)

	go job.run(ctx)

	return job, nil
}

// RunScan drives a scan to completion and returns the sealed report. Module
// failures do not produce an error here; they are contained in the report.
func (o *Orchestrator) RunScan(ctx context.Context, options ScanOptions) (*report.Report, error) {
	job, err := o.StartScan(ctx, options)
	if err != nil {
		return nil, err
	}

	rep := job.Wait()
	if rep == nil {
		return nil, fmt.Errorf("scan %s produced no report", job.ID)
	}

	if o.db != nil && o.db.IsEnabled() {
		if err := o.db.TrackScan(rep); err != nil {
			o.logger.Warnf("Failed to track scan in database: %v", err)
		}
		if record, ok := job.Store().Get("subdomain"); ok {
			if err := o.db.TrackSubdomains(options.Target, record.Lines); err != nil {
				o.logger.Warnf("Failed to track subdomains in database: %v", err)
			}
		}
	}

	if o.config.Elastic.Enabled {
		o.exportFindings(ctx, rep)
	}

	return rep, nil
}

// exportFindings bulk-indexes the sealed report. The client is created per
// scan so an unreachable cluster degrades to a warning instead of blocking
// orchestrator startup.
func (o *Orchestrator) exportFindings(ctx context.Context, rep *report.Report) {
	client, err := elastic.New(&o.config.Elastic)
	if err != nil {
		o.logger.Warnf("Elasticsearch export skipped: %v", err)
		return
	}

	if err := client.IndexReport(ctx, rep); err != nil {
		o.logger.Warnf("Failed to index findings in elasticsearch: %v", err)
		return
	}

	// Raw JSONL artifacts go in alongside the normalized findings so the
	// tool-native fields stay queryable. dalfox emits a single JSON array,
	// so xss.json is excluded.
	for _, name := range []string{"nuclei", "tech_detect"} {
		section, ok := rep.Modules[name]
		if !ok || section.ArtifactPath == "" {
			continue
		}
		if _, err := os.Stat(section.ArtifactPath); err != nil {
			continue
		}
		if err := client.IndexJSONLinesFile(ctx, section.ArtifactPath); err != nil {
			o.logger.Warnf("Failed to index %s artifact in elasticsearch: %v", name, err)
			continue
		}
		o.logger.Infof("Indexed raw %s artifact to elasticsearch", name)
	}

	o.logger.Infof("Indexed findings for scan %s to elasticsearch", rep.ScanID)
}
