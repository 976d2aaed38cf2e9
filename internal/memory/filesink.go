// Package memory persists realized trade outcomes and serves the rollups and
// prompt context the agent learns from. Storage is one JSON file per outcome,
// keyed by decision id; everything else is derived and regenerable.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/quorumtrade/internal/trading"
)

const (
	outcomePrefix  = "outcome_"
	outcomeSuffix  = ".json"
	quarantineName = "quarantine"
)

// FileSink stores one JSON document per trade outcome under a directory.
// Writes go through a temp file and an atomic rename, so a crash mid-write
// never leaves a partial record visible to List.
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

// NewFileSink creates the storage directory (and its quarantine subdirectory)
// if needed.
func NewFileSink(dir string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Join(dir, quarantineName), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

func (s *FileSink) outcomePath(decisionID string) string {
	return filepath.Join(s.dir, outcomePrefix+sanitize(decisionID)+outcomeSuffix)
}

// sanitize keeps decision ids filesystem-safe. UUIDs pass through untouched.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

// Append writes one outcome atomically.
func (s *FileSink) Append(outcome *trading.TradeOutcome) error {
	if outcome.DecisionID == "" {
		return fmt.Errorf("outcome has no decision id")
	}
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling outcome %s: %w", outcome.DecisionID, err)
	}
	return s.writeAtomic(s.outcomePath(outcome.DecisionID), data)
}

func (s *FileSink) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// List loads every stored outcome. Files that fail to parse are quarantined
// and skipped rather than failing the scan.
func (s *FileSink) List() ([]*trading.TradeOutcome, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning storage dir: %w", err)
	}

	var outcomes []*trading.TradeOutcome
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, outcomePrefix) || !strings.HasSuffix(name, outcomeSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable outcome file")
			continue
		}

		var outcome trading.TradeOutcome
		if err := json.Unmarshal(data, &outcome); err != nil || outcome.DecisionID == "" {
			s.logger.Warn().Err(err).Str("file", name).Msg("Quarantining corrupt outcome file")
			s.quarantineFile(name)
			continue
		}
		outcomes = append(outcomes, &outcome)
	}
	return outcomes, nil
}

// Remove deletes one outcome. Removing a missing outcome is a no-op.
func (s *FileSink) Remove(decisionID string) error {
	err := os.Remove(s.outcomePath(decisionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing outcome %s: %w", decisionID, err)
	}
	return nil
}

// Quarantine moves an outcome file aside for operator inspection.
func (s *FileSink) Quarantine(decisionID string) error {
	name := outcomePrefix + sanitize(decisionID) + outcomeSuffix
	return s.quarantineFile(name)
}

func (s *FileSink) quarantineFile(name string) error {
	src := filepath.Join(s.dir, name)
	dst := filepath.Join(s.dir, quarantineName, name)
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantining %s: %w", name, err)
	}
	return nil
}

// SaveDocument atomically writes a named rollup document.
func (s *FileSink) SaveDocument(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling document %s: %w", name, err)
	}
	return s.writeAtomic(filepath.Join(s.dir, sanitize(name)+outcomeSuffix), data)
}

// LoadDocument reads a named rollup document into v.
func (s *FileSink) LoadDocument(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, sanitize(name)+outcomeSuffix))
	if err != nil {
		return fmt.Errorf("reading document %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing document %s: %w", name, err)
	}
	return nil
}
