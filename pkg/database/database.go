package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/reconflow/reconflow/pkg/config"
	"github.com/reconflow/reconflow/pkg/report"

	_ "github.com/lib/pq"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

type ScanRecord struct {
	ScanID     string
	Target     string
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
	Subdomains int
	LiveHosts  int
	Vulns      int
}

type ModuleRecord struct {
	ScanID   string
	Module   string
	State    string
	Reason   string
	Duration float64
	Results  int
}

type SubdomainRecord struct {
	Domain    string
	Subdomain string
	Status    string
	FirstSeen time.Time
	LastSeen  time.Time
}

const DBName = "reconflow_track"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		if DebugLog != nil {
			DebugLog("database %s created", DBName)
		}
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		scan_id VARCHAR(40) PRIMARY KEY,
		target VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL,
		subdomains INT NOT NULL DEFAULT 0,
		live_hosts INT NOT NULL DEFAULT 0,
		vulnerabilities INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS scan_modules (
		id SERIAL PRIMARY KEY,
		scan_id VARCHAR(40) NOT NULL REFERENCES scans(scan_id),
		module VARCHAR(64) NOT NULL,
		state VARCHAR(20) NOT NULL,
		reason TEXT,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		results INT NOT NULL DEFAULT 0,
		UNIQUE(scan_id, module)
	);

	CREATE TABLE IF NOT EXISTS subdomains (
		id SERIAL PRIMARY KEY,
		domain VARCHAR(255) NOT NULL,
		subdomain VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'NEW',
		first_seen TIMESTAMP NOT NULL DEFAULT NOW(),
		last_seen TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(domain, subdomain)
	);

	CREATE INDEX IF NOT EXISTS idx_scans_target ON scans(target);
	CREATE INDEX IF NOT EXISTS idx_modules_scan ON scan_modules(scan_id);
	CREATE INDEX IF NOT EXISTS idx_sub_domain ON subdomains(domain);
	CREATE INDEX IF NOT EXISTS idx_sub_status ON subdomains(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

// TrackScan persists a sealed report: one scans row plus one scan_modules
// row per module.
func (db *DB) TrackScan(rep *report.Report) error {
	if !db.IsEnabled() {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO scans (scan_id, target, status, started_at, ended_at, subdomains, live_hosts, vulnerabilities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scan_id) DO NOTHING
	`, rep.ScanID, rep.Target, rep.OverallStatus, rep.StartedAt, rep.EndedAt,
		rep.Counts.Subdomains, rep.Counts.LiveHosts, rep.Counts.TotalVulns)
	if err != nil {
		return err
	}

	for name, section := range rep.Modules {
		results := 0
		if section.Summary != nil {
			results = section.Summary.Results
		}

		_, err = tx.Exec(`
			INSERT INTO scan_modules (scan_id, module, state, reason, duration_seconds, results)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (scan_id, module) DO UPDATE
			SET state = EXCLUDED.state, reason = EXCLUDED.reason,
			    duration_seconds = EXCLUDED.duration_seconds, results = EXCLUDED.results
		`, rep.ScanID, name, section.State, section.Reason, section.Duration, results)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// TrackSubdomains maintains the NEW/ACTIVE/DEAD lifecycle per subdomain
// across scans of the same target.
func (db *DB) TrackSubdomains(domain string, subdomains []string) error {
	if !db.IsEnabled() {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	currentSubdomains := make(map[string]bool)
	for _, subdomain := range subdomains {
		currentSubdomains[subdomain] = true
	}

	for subdomain := range currentSubdomains {
		var exists bool
		err := tx.QueryRow(`
			SELECT EXISTS(SELECT 1 FROM subdomains WHERE domain = $1 AND subdomain = $2)
		`, domain, subdomain).Scan(&exists)
		if err != nil {
			return err
		}

		if exists {
			_, err = tx.Exec(`
				UPDATE subdomains
				SET status = 'ACTIVE', last_seen = NOW()
				WHERE domain = $1 AND subdomain = $2
			`, domain, subdomain)
		} else {
			if DebugLog != nil {
				DebugLog("inserting new subdomain %s with status NEW", subdomain)
			}
			_, err = tx.Exec(`
				INSERT INTO subdomains (domain, subdomain, status, first_seen, last_seen)
				VALUES ($1, $2, 'NEW', NOW(), NOW())
			`, domain, subdomain)
		}

		if err != nil {
			return err
		}
	}

	rows, err := tx.Query(`
		SELECT subdomain FROM subdomains
		WHERE domain = $1 AND status != 'DEAD'
	`, domain)
	if err != nil {
		return err
	}
	defer rows.Close()

	var deadSubdomains []string
	for rows.Next() {
		var subdomain string
		if err := rows.Scan(&subdomain); err != nil {
			return err
		}
		if !currentSubdomains[subdomain] {
			deadSubdomains = append(deadSubdomains, subdomain)
		}
	}

	for _, subdomain := range deadSubdomains {
		if DebugLog != nil {
			DebugLog("marking subdomain %s as DEAD (not found in current scan)", subdomain)
		}
		_, err = tx.Exec(`
			UPDATE subdomains
			SET status = 'DEAD', last_seen = NOW()
			WHERE domain = $1 AND subdomain = $2
		`, domain, subdomain)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryScans returns scan history for a target, newest first. An empty
// target returns every scan.
func (db *DB) QueryScans(target string) ([]ScanRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT scan_id, target, status, started_at, ended_at, subdomains, live_hosts, vulnerabilities
		FROM scans
	`
	var args []interface{}

	if target != "" {
		query += " WHERE target = $1"
		args = append(args, target)
	}

	query += " ORDER BY started_at DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ScanRecord
	for rows.Next() {
		var r ScanRecord
		if err := rows.Scan(&r.ScanID, &r.Target, &r.Status, &r.StartedAt, &r.EndedAt,
			&r.Subdomains, &r.LiveHosts, &r.Vulns); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}

// QueryModules returns per-module outcomes for one scan.
func (db *DB) QueryModules(scanID string) ([]ModuleRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	rows, err := db.conn.Query(`
		SELECT scan_id, module, state, COALESCE(reason, ''), duration_seconds, results
		FROM scan_modules
		WHERE scan_id = $1
		ORDER BY module
	`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ModuleRecord
	for rows.Next() {
		var r ModuleRecord
		if err := rows.Scan(&r.ScanID, &r.Module, &r.State, &r.Reason, &r.Duration, &r.Results); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}

// QuerySubdomains returns tracked subdomains for a domain, optionally
// filtered by lifecycle status.
func (db *DB) QuerySubdomains(domain string, status string) ([]SubdomainRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT domain, subdomain, status, first_seen, last_seen
		FROM subdomains
		WHERE domain = $1
	`
	args := []interface{}{domain}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}

	query += " ORDER BY first_seen DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SubdomainRecord
	for rows.Next() {
		var r SubdomainRecord
		if err := rows.Scan(&r.Domain, &r.Subdomain, &r.Status, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, nil
}
