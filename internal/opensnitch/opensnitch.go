// Package opensnitch reads the OpenSnitch connection database to find
// reverse-DNS lookups that OpenSnitch denied. Its output is a confidence
// signal only; it never gates a blacklist decision.
package opensnitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultDBPath is where the OpenSnitch daemon keeps its database.
	DefaultDBPath = "/var/lib/opensnitch/opensnitch.sqlite3"
	// DefaultRule is the deny rule that blocks reverse-DNS lookups.
	DefaultRule = "deny-reverse-dns"
	// TimeLayout is the format of the connections.time column.
	TimeLayout = "2006-01-02 15:04:05"

	arpaSuffix = ".in-addr.arpa"
)

// ErrDatabaseMissing is returned by Open when the database file does not exist.
var ErrDatabaseMissing = errors.New("opensnitch database not found")

// Block is one denied reverse-DNS lookup.
type Block struct {
	Time string
	Host string
	// IP is the address the lookup asked about.
	IP string
}

// Client queries the connections table read-only.
type Client struct {
	path   string
	rule   string
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at path. rule selects the deny rule whose rows
// count as blocks.
func Open(path, rule string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rule == "" {
		rule = DefaultRule
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseMissing, path)
		}
		return nil, fmt.Errorf("stat opensnitch database: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open opensnitch database: %w", err)
	}
	// A single connection keeps the pragmas below in effect for every query.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA query_only = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set query_only: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &Client{
		path:   path,
		rule:   rule,
		db:     db,
		logger: logger.With("component", "opensnitch"),
	}, nil
}

// Close closes the database.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// RecentBlockCount counts deny-rule rows from the last hours hours.
func (c *Client) RecentBlockCount(ctx context.Context, hours int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Format(TimeLayout)
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connections WHERE rule = ? AND time >= ?`,
		c.rule, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent blocks: %w", err)
	}
	return n, nil
}

// AllARPABlocks returns every denied reverse-DNS lookup whose query names a
// valid IPv4 address, oldest first.
func (c *Client) AllARPABlocks(ctx context.Context) ([]Block, error) {
	return c.blocksSince(ctx, "")
}

func (c *Client) blocksSince(ctx context.Context, checkpoint string) ([]Block, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT time, dst_host FROM connections
		 WHERE rule = ? AND dst_host LIKE ? AND time > ?
		 ORDER BY time ASC`,
		c.rule, "%"+arpaSuffix, checkpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var ts, host sql.NullString
		if err := rows.Scan(&ts, &host); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b := Block{Time: ts.String, Host: host.String}
		b.IP, _ = ExtractIPFromARPA(host.String)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

func (c *Client) latestBlockTime(ctx context.Context) (string, error) {
	var ts sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT MAX(time) FROM connections WHERE rule = ?`, c.rule,
	).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("query checkpoint: %w", err)
	}
	return ts.String, nil
}

// ExtractIPFromARPA turns "4.3.2.1.in-addr.arpa" into "1.2.3.4".
func ExtractIPFromARPA(query string) (string, bool) {
	q := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(query)), ".")
	if !strings.HasSuffix(q, arpaSuffix) {
		return "", false
	}
	octets := strings.Split(strings.TrimSuffix(q, arpaSuffix), ".")
	if len(octets) != 4 {
		return "", false
	}
	for i, j := 0, len(octets)-1; i < j; i, j = i+1, j-1 {
		octets[i], octets[j] = octets[j], octets[i]
	}
	addr, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil || !addr.Is4() {
		return "", false
	}
	return addr.String(), true
}
