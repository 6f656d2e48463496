package watchdog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// recordSuffix is the file extension of handoff records.
const recordSuffix = ".yaml"

// Record is the handoff from the mount helper to the watchdog: everything
// needed to supervise the tunnel of one mount. Credentials are never part
// of a record.
type Record struct {
	ID            string   `yaml:"id"`
	MountPoint    string   `yaml:"mount_point"`
	FileSystemID  string   `yaml:"file_system_id"`
	Region        string   `yaml:"region"`
	AZ            string   `yaml:"az,omitempty"`
	AccessPointID string   `yaml:"access_point,omitempty"`
	TargetHost    string   `yaml:"target_host"`
	Addresses     []string `yaml:"addresses,omitempty"`
	Port          int      `yaml:"port"`
	Options       string   `yaml:"options"`
	IAM           bool     `yaml:"iam,omitempty"`

	// Binary is the tunnel executable chosen at mount time
	Binary string `yaml:"binary"`

	// PID of the tunnel started by the mount helper (0 if none)
	PID int `yaml:"pid,omitempty"`

	LogPath string    `yaml:"log_path,omitempty"`
	Created time.Time `yaml:"created"`

	// Pending marks a tunnel whose mount is still in progress in the
	// helper process HelperPID. The watchdog leaves it alone until the
	// helper saves it again, or cleans it up once the helper is gone.
	Pending   bool `yaml:"pending,omitempty"`
	HelperPID int  `yaml:"helper_pid,omitempty"`
}

// NewRecord returns a record with a fresh id.
func NewRecord() Record {
	return Record{ID: uuid.NewString(), Created: time.Now().UTC()}
}

// TunnelName is the name shared by the tunnel files of the record.
func (r Record) TunnelName() string {
	return tunnel.StateName(r.FileSystemID, r.MountPoint, r.Port)
}

// Validate checks the fields the watchdog relies on.
func (r Record) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid record id %q: %w", r.ID, err)
	}
	if r.MountPoint == "" {
		return errors.New("record has no mount point")
	}
	if r.FileSystemID == "" {
		return errors.New("record has no file system id")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("record port %d is out of range", r.Port)
	}
	if r.Binary == "" {
		return errors.New("record has no tunnel binary")
	}
	return nil
}

// RecordStore keeps handoff records as YAML files in the state directory.
type RecordStore struct {
	fs  afero.Fs
	dir string
}

// NewRecordStore creates a store over dir.
func NewRecordStore(fs afero.Fs, dir string) *RecordStore {
	return &RecordStore{fs: fs, dir: dir}
}

// Dir returns the state directory.
func (s *RecordStore) Dir() string {
	return s.dir
}

func (s *RecordStore) path(id string) string {
	return filepath.Join(s.dir, id+recordSuffix)
}

// Save writes a record atomically.
func (s *RecordStore) Save(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp := s.path(rec.ID) + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0640); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path(rec.ID)); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// Load reads one record.
func (s *RecordStore) Load(id string) (Record, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		return Record{}, err
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse record %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *RecordStore) Delete(id string) error {
	if err := s.fs.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every valid record, oldest first. Unreadable or invalid
// files are skipped with a warning.
func (s *RecordStore) List() ([]Record, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}

		rec, err := s.Load(strings.TrimSuffix(name, recordSuffix))
		if err != nil {
			logger.Warn("Skipping state file %s: %v", name, err)
			continue
		}
		if err := rec.Validate(); err != nil {
			logger.Warn("Skipping state file %s: %v", name, err)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.Before(records[j].Created)
	})
	return records, nil
}
