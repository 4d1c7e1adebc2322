package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
)

// Tier identifies one of the three storage locations of the configuration document
type Tier string

const (
	// TierPrimary is the configuration path itself
	TierPrimary Tier = "primary"

	// TierSafe holds the last document known to be valid
	TierSafe Tier = "safe"

	// TierBackup holds the document that was primary before the last write
	TierBackup Tier = "bak"
)

// recoveryOrder is consulted when the primary cannot be used
var recoveryOrder = []Tier{TierSafe, TierBackup}

// fileMode keeps the TOKEN readable by the owner only
const fileMode os.FileMode = 0600

// ParseTier converts a restore target name to a backup tier
func ParseTier(name string) (Tier, error) {
	switch Tier(name) {
	case TierSafe, TierBackup:
		return Tier(name), nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown backup tier: %s", name), nil).
			WithContext("supported_tiers", "safe, bak")
	}
}

// Store owns the primary, .safe and .bak files of one configuration document
type Store struct {
	path   string
	logger logging.Logger

	current    *Document
	loadedFrom Tier

	mutex sync.RWMutex
}

// NewStore creates a store for the document at path; backups live at path+".safe" and path+".bak"
func NewStore(path string, logger logging.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Path returns the file backing a tier
func (s *Store) Path(tier Tier) string {
	switch tier {
	case TierSafe:
		return s.path + ".safe"
	case TierBackup:
		return s.path + ".bak"
	default:
		return s.path
	}
}

// Load reads the primary document, falling back to .safe and then .bak.
// A fallback that validates is promoted to primary and re-written to .safe.
// When no tier validates, a config_unavailable error is returned and no file is touched.
func (s *Store) Load() (*Document, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, data, err := s.readTier(TierPrimary)
	if err == nil {
		s.logger.Infof("Configuration loaded, path: %s, projects: %d", s.path, len(doc.Projects))

		// A primary that validates becomes the new last-known-valid copy
		if err := WriteFileAtomic(s.Path(TierSafe), data, fileMode); err != nil {
			s.logger.Warnf("Failed to refresh safe backup, path: %s, error: %v", s.Path(TierSafe), err)
		}

		s.current = doc
		s.loadedFrom = TierPrimary
		return doc, nil
	}

	s.logger.Errorf("Failed to load configuration, path: %s, error: %v", s.path, err)

	errorCollection := errors.NewErrorCollection()
	errorCollection.Add(err)

	for _, tier := range recoveryOrder {
		s.logger.Infof("Trying to recover configuration from backup, tier: %s, path: %s", tier, s.Path(tier))

		doc, data, err := s.readTier(tier)
		if err != nil {
			s.logger.Errorf("Backup is not usable, tier: %s, error: %v", tier, err)
			errorCollection.Add(err)
			continue
		}

		if err := WriteFileAtomic(s.Path(TierPrimary), data, fileMode); err != nil {
			s.logger.Errorf("Failed to promote backup to primary, tier: %s, error: %v", tier, err)
			errorCollection.Add(err)
			continue
		}
		if tier != TierSafe {
			if err := WriteFileAtomic(s.Path(TierSafe), data, fileMode); err != nil {
				s.logger.Warnf("Failed to refresh safe backup, path: %s, error: %v", s.Path(TierSafe), err)
			}
		}

		s.logger.Warnf("Configuration recovered from backup, tier: %s, projects: %d", tier, len(doc.Projects))

		s.current = doc
		s.loadedFrom = tier
		return doc, nil
	}

	return nil, errors.NewConfigUnavailableError(
		"configuration could not be loaded from primary, safe or bak tiers",
		errorCollection.ToError(),
	).WithContext("path", s.path)
}

// Current returns the document in effect, nil before the first successful Load
func (s *Store) Current() *Document {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current
}

// LoadedFrom returns the tier the current document was last loaded or restored from
func (s *Store) LoadedFrom() Tier {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.loadedFrom
}

// ReplaceBytes parses and validates a candidate document and then replaces the primary with it
func (s *Store) ReplaceBytes(data []byte) (*Document, error) {
	doc, err := Parse(data)
	if err != nil {
		s.logger.Warnf("Rejected configuration update: %v", err)
		return nil, err
	}
	if err := s.Replace(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Replace persists a new document as primary.
// The current primary is first copied to .safe and then .bak,
// then the new document is swapped in with a rename. Tiers are re-validated on load.
func (s *Store) Replace(doc *Document) error {
	if doc == nil {
		return errors.NewValidationError("configuration document cannot be nil", nil)
	}
	if err := Validate(doc.fields); err != nil {
		return err
	}

	data, err := doc.Encode()
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := WriteFileAtomic(s.Path(TierSafe), current, fileMode); err != nil {
			return errors.NewIOError("failed to snapshot configuration to safe backup", err)
		}
		if err := WriteFileAtomic(s.Path(TierBackup), current, fileMode); err != nil {
			return errors.NewIOError("failed to snapshot configuration to backup", err)
		}
	case os.IsNotExist(err):
		s.logger.Infof("No primary configuration to snapshot, path: %s", s.path)
	default:
		return errors.NewIOError("failed to read current configuration", err).WithContext("path", s.path)
	}

	if err := WriteFileAtomic(s.path, data, fileMode); err != nil {
		return err
	}

	s.current = doc
	s.loadedFrom = TierPrimary

	s.logger.Infof("Configuration replaced, path: %s, projects: %d", s.path, len(doc.Projects))
	return nil
}

// Restore promotes a backup tier to primary after re-validating it
func (s *Store) Restore(tier Tier) (*Document, error) {
	if tier != TierSafe && tier != TierBackup {
		return nil, errors.NewValidationError(fmt.Sprintf("cannot restore from tier: %s", tier), nil)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	doc, data, err := s.readTier(tier)
	if err != nil {
		s.logger.Warnf("Rejected restore, tier: %s, error: %v", tier, err)
		return nil, err
	}

	if err := WriteFileAtomic(s.path, data, fileMode); err != nil {
		return nil, err
	}

	s.current = doc
	s.loadedFrom = tier

	s.logger.Infof("Configuration restored, tier: %s, projects: %d", tier, len(doc.Projects))
	return doc, nil
}

// Snapshot returns the bytes of the primary file
func (s *Store) Snapshot() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration", err).WithContext("path", s.path)
	}
	return data, nil
}

// AvailableBackups lists the backup tiers that currently exist on disk, in recovery order
func (s *Store) AvailableBackups() []Tier {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tiers := make([]Tier, 0, len(recoveryOrder))
	for _, tier := range recoveryOrder {
		if _, err := os.Stat(s.Path(tier)); err == nil {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// readTier reads, parses and validates one tier; caller holds the mutex
func (s *Store) readTier(tier Tier) (*Document, []byte, error) {
	path := s.Path(tier)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.NewIOError("failed to read configuration file", err).
			WithContext("tier", string(tier)).WithContext("path", path)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return doc, data, nil
}
