package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AuditLog appends compromise reports to a JSON Lines file.
type AuditLog struct {
	file *os.File
	mu   sync.Mutex
}

// NewAuditLog opens (or creates) the audit log at path.
func NewAuditLog(path string) (*AuditLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &AuditLog{
		file: file,
	}, nil
}

// WriteReport appends one report and syncs the file.
func (a *AuditLog) WriteReport(report CompromiseReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("audit log is closed")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return a.file.Sync()
}

// Close closes the audit log file
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}

	return nil
}

// ReadAuditLog reads every report from an audit log file. Lines that do not
// decode are skipped.
func ReadAuditLog(path string) ([]CompromiseReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var reports []CompromiseReport
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var r CompromiseReport
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	if err := scanner.Err(); err != nil {
		return reports, fmt.Errorf("failed to scan audit log: %w", err)
	}

	return reports, nil
}
