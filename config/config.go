// Package config implements the global and per-folder configuration
// records spec.md §3 and §9 Design Notes describe as out of scope for the
// core engine but necessary ambient plumbing around it: a durable home for
// API credentials and the set of configured folders (global configuration),
// and the per-folder record the engine itself consumes (folder
// configuration).
//
// Both are backed by single-file sqlite databases, the same way
// original_source/.../test_config.py drives create_global_configuration /
// load_global_configuration against a literal "global.sqlite" file.
package config

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/LeastAuthority/magic-folder/author"
	"github.com/LeastAuthority/magic-folder/capability"
	"github.com/LeastAuthority/magic-folder/internal/errkind"
	"github.com/LeastAuthority/magic-folder/logging"
)

var log = logging.Module("magicfolder/config")

// SchemaVersion is the global configuration schema version this build
// understands (spec.md's "configuration database schema for global
// settings" is explicitly out of scope for the core, but still needs
// mandatory version checking like every other store in this codebase).
const SchemaVersion = 1

// RetrySchedule is the exponential backoff shape for remote-snapshot
// upload retries (spec.md §4.5: "retried with exponential backoff
// starting at one second, doubling, capped at one hour").
type RetrySchedule struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultRetrySchedule is the schedule spec.md §4.5 specifies.
var DefaultRetrySchedule = RetrySchedule{Initial: time.Second, Max: time.Hour}

// Next returns the backoff duration that follows cur, doubling and
// clamping at s.Max. Call with 0 to get the first backoff (s.Initial).
func (s RetrySchedule) Next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return s.Initial
	}

	next := cur * 2
	if next > s.Max || next <= 0 { // next <= 0 guards signed overflow
		return s.Max
	}

	return next
}

// FolderConfig is the durable per-folder record of spec.md §3: name,
// working path, stash path, author, collective read capability,
// personal-directory write capability, poll interval, scan interval, and
// upload-retry schedule.
type FolderConfig struct {
	Name string

	MagicPath string
	StatePath string

	Author author.Author

	CollectiveReadCap capability.Capability
	PersonalWriteCap  capability.Capability

	PollInterval time.Duration
	ScanInterval time.Duration

	UploadRetry RetrySchedule
}

// StashPath is the content-addressed staging directory nested under the
// folder's state directory (spec.md §6: "Under the state directory:
// state.db... stash/").
func (f FolderConfig) StashPath() string {
	return filepath.Join(f.StatePath, "stash")
}

// StateDBPath is the folder's snapshot store file.
func (f FolderConfig) StateDBPath() string {
	return filepath.Join(f.StatePath, "state.db")
}

// GlobalConfig is the process-wide configuration record: API endpoint and
// token, the Tahoe-LAFS WAPI base URL, and the registry of configured
// folders.
type GlobalConfig struct {
	dir string
	db  *sql.DB
}

// CreateGlobalConfiguration creates a fresh global configuration under
// confDir, which must not already exist, recording apiEndpoint and
// tahoeClientURL and generating a random API token.
func CreateGlobalConfiguration(confDir, apiEndpoint, tahoeClientURL string) (*GlobalConfig, error) {
	if _, err := os.Stat(confDir); err == nil {
		return nil, errkind.New(errkind.Validation, "configuration directory already exists: "+confDir)
	}

	if err := os.MkdirAll(confDir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "create configuration directory")
	}

	db, err := sql.Open("sqlite", filepath.Join(confDir, "global.sqlite"))
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "open global configuration database")
	}

	db.SetMaxOpenConns(1)

	g := &GlobalConfig{dir: confDir, db: db}

	if err := g.initSchema(apiEndpoint, tahoeClientURL); err != nil {
		db.Close()
		return nil, err
	}

	return g, nil
}

func (g *GlobalConfig) initSchema(apiEndpoint, tahoeClientURL string) error {
	ctx := context.Background()

	stmts := []string{
		`CREATE TABLE version (version INTEGER NOT NULL)`,
		`CREATE TABLE config (
			api_endpoint TEXT NOT NULL,
			api_token TEXT NOT NULL,
			tahoe_client_url TEXT NOT NULL
		)`,
		`CREATE TABLE magic_folder (
			name TEXT PRIMARY KEY,
			magic_path TEXT NOT NULL,
			state_path TEXT NOT NULL,
			author_name TEXT NOT NULL,
			author_seed TEXT NOT NULL,
			collective_read_cap TEXT NOT NULL,
			personal_write_cap TEXT NOT NULL,
			poll_interval_ns INTEGER NOT NULL,
			scan_interval_ns INTEGER NOT NULL,
			retry_initial_ns INTEGER NOT NULL,
			retry_max_ns INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.Fatal, err, "create global configuration schema")
		}
	}

	token, err := newAPIToken()
	if err != nil {
		return err
	}

	if _, err := g.db.ExecContext(ctx, `INSERT INTO version (version) VALUES (?)`, SchemaVersion); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "record global configuration schema version")
	}

	if _, err := g.db.ExecContext(ctx, `INSERT INTO config (api_endpoint, api_token, tahoe_client_url) VALUES (?, ?, ?)`,
		apiEndpoint, token, tahoeClientURL); err != nil {
		return errkind.Wrap(errkind.Fatal, err, "record global configuration")
	}

	return nil
}

// LoadGlobalConfiguration opens a previously created global configuration,
// failing with a *fatal* (configuration) error if its schema version is
// not SchemaVersion, matching
// original_source/.../test_config.py:test_database_wrong_version.
func LoadGlobalConfiguration(confDir string) (*GlobalConfig, error) {
	if _, err := os.Stat(confDir); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "configuration directory does not exist: "+confDir)
	}

	db, err := sql.Open("sqlite", filepath.Join(confDir, "global.sqlite"))
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "open global configuration database")
	}

	db.SetMaxOpenConns(1)

	var version int

	row := db.QueryRowContext(context.Background(), `SELECT version FROM version LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.Fatal, err, "read global configuration schema version")
	}

	if version != SchemaVersion {
		db.Close()
		return nil, errkind.New(errkind.Fatal, "unsupported global configuration schema version (configuration error)")
	}

	return &GlobalConfig{dir: confDir, db: db}, nil
}

// Close releases the configuration database handle.
func (g *GlobalConfig) Close() error {
	return g.db.Close()
}

// APIEndpoint returns the configured listening endpoint string for the
// administration API.
func (g *GlobalConfig) APIEndpoint() (string, error) {
	var endpoint string

	row := g.db.QueryRowContext(context.Background(), `SELECT api_endpoint FROM config LIMIT 1`)
	if err := row.Scan(&endpoint); err != nil {
		return "", errkind.Wrap(errkind.TransientIO, err, "read api endpoint")
	}

	return endpoint, nil
}

// APIToken returns the current administration API bearer token.
func (g *GlobalConfig) APIToken() (string, error) {
	var token string

	row := g.db.QueryRowContext(context.Background(), `SELECT api_token FROM config LIMIT 1`)
	if err := row.Scan(&token); err != nil {
		return "", errkind.Wrap(errkind.TransientIO, err, "read api token")
	}

	return token, nil
}

// RotateAPIToken replaces the administration API token with a freshly
// generated one.
func (g *GlobalConfig) RotateAPIToken() error {
	token, err := newAPIToken()
	if err != nil {
		return err
	}

	if _, err := g.db.ExecContext(context.Background(), `UPDATE config SET api_token = ?`, token); err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "rotate api token")
	}

	log.Infow("rotated api token")

	return nil
}

// TahoeClientURL returns the configured Tahoe-LAFS WAPI base URL.
func (g *GlobalConfig) TahoeClientURL() (string, error) {
	var url string

	row := g.db.QueryRowContext(context.Background(), `SELECT tahoe_client_url FROM config LIMIT 1`)
	if err := row.Scan(&url); err != nil {
		return "", errkind.Wrap(errkind.TransientIO, err, "read tahoe client url")
	}

	return url, nil
}

func newAPIToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errkind.Wrap(errkind.Fatal, err, "generate api token")
	}

	return hex.EncodeToString(b), nil
}

// CreateMagicFolder validates and records a new folder configuration,
// creating its state directory and stash subdirectory. magicPath must
// already exist; statePath must not.
func (g *GlobalConfig) CreateMagicFolder(name, magicPath, statePath string, a author.Author, collectiveRead, personalWrite capability.Capability, pollInterval, scanInterval time.Duration) (FolderConfig, error) {
	if _, err := os.Stat(magicPath); err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.Validation, err, "magic path does not exist: "+magicPath)
	}

	if _, err := os.Stat(statePath); err == nil {
		return FolderConfig{}, errkind.New(errkind.Validation, "state path already exists: "+statePath)
	}

	ctx := context.Background()

	var exists int

	row := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM magic_folder WHERE name = ?`, name)
	if err := row.Scan(&exists); err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.TransientIO, err, "check for existing folder")
	}

	if exists > 0 {
		return FolderConfig{}, errkind.New(errkind.Validation, "already have a magic-folder named '"+name+"'")
	}

	if err := os.MkdirAll(statePath, 0o700); err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.TransientIO, err, "create folder state directory")
	}

	fc := FolderConfig{
		Name:              name,
		MagicPath:         magicPath,
		StatePath:         statePath,
		Author:            a,
		CollectiveReadCap: collectiveRead,
		PersonalWriteCap:  personalWrite,
		PollInterval:      pollInterval,
		ScanInterval:      scanInterval,
		UploadRetry:       DefaultRetrySchedule,
	}

	if err := os.MkdirAll(fc.StashPath(), 0o700); err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.TransientIO, err, "create folder stash directory")
	}

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO magic_folder
			(name, magic_path, state_path, author_name, author_seed, collective_read_cap, personal_write_cap,
			 poll_interval_ns, scan_interval_ns, retry_initial_ns, retry_max_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, magicPath, statePath, a.Name, hex.EncodeToString(a.Key.Bytes()),
		collectiveRead.String(), personalWrite.String(),
		int64(pollInterval), int64(scanInterval),
		int64(fc.UploadRetry.Initial), int64(fc.UploadRetry.Max),
	)
	if err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.TransientIO, err, "insert folder configuration")
	}

	log.Infow("created magic folder", "name", name, "magic_path", magicPath, "state_path", statePath)

	return fc, nil
}

// ListMagicFolders returns the configured folder names.
func (g *GlobalConfig) ListMagicFolders() ([]string, error) {
	rows, err := g.db.QueryContext(context.Background(), `SELECT name FROM magic_folder ORDER BY name`)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "list magic folders")
	}

	defer rows.Close() //nolint:errcheck

	var names []string

	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errkind.Wrap(errkind.TransientIO, err, "scan magic folder name")
		}

		names = append(names, n)
	}

	return names, rows.Err() //nolint:wrapcheck
}

// GetMagicFolder loads one folder's configuration by name.
func (g *GlobalConfig) GetMagicFolder(name string) (FolderConfig, error) {
	row := g.db.QueryRowContext(context.Background(), `
		SELECT magic_path, state_path, author_name, author_seed, collective_read_cap, personal_write_cap,
		       poll_interval_ns, scan_interval_ns, retry_initial_ns, retry_max_ns
		FROM magic_folder WHERE name = ?`, name)

	var (
		magicPath, statePath                   string
		authorName, authorSeedHex              string
		collectiveReadStr, personalWriteStr    string
		pollNS, scanNS, retryInitialNS, retryMaxNS int64
	)

	switch err := row.Scan(&magicPath, &statePath, &authorName, &authorSeedHex, &collectiveReadStr, &personalWriteStr,
		&pollNS, &scanNS, &retryInitialNS, &retryMaxNS); {
	case err == sql.ErrNoRows:
		return FolderConfig{}, errkind.New(errkind.NotFound, "no magic-folder named '"+name+"'")
	case err != nil:
		return FolderConfig{}, errkind.Wrap(errkind.TransientIO, err, "read magic folder configuration")
	}

	seed, err := hex.DecodeString(authorSeedHex)
	if err != nil {
		return FolderConfig{}, errkind.Wrap(errkind.Fatal, err, "decode stored author seed")
	}

	key, err := author.SigningKeyFromSeed(seed)
	if err != nil {
		return FolderConfig{}, err
	}

	collectiveRead, err := capability.Parse(collectiveReadStr)
	if err != nil {
		return FolderConfig{}, err
	}

	personalWrite, err := capability.Parse(personalWriteStr)
	if err != nil {
		return FolderConfig{}, err
	}

	return FolderConfig{
		Name:              name,
		MagicPath:         magicPath,
		StatePath:         statePath,
		Author:            author.Author{Name: authorName, Key: key},
		CollectiveReadCap: collectiveRead,
		PersonalWriteCap:  personalWrite,
		PollInterval:      time.Duration(pollNS),
		ScanInterval:      time.Duration(scanNS),
		UploadRetry:       RetrySchedule{Initial: time.Duration(retryInitialNS), Max: time.Duration(retryMaxNS)},
	}, nil
}
