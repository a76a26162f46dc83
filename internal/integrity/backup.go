package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gyaneshwarpardhi/linkreach/internal/checksum"
	"github.com/gyaneshwarpardhi/linkreach/internal/metrics"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

const (
	BackupFull        = "full"
	BackupIncremental = "incremental"
)

var ErrBackupNotFound = errors.New("integrity: backup not found")

type BackupMetadata struct {
	BackupID  string `json:"backupId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Version   string `json:"version"`
}

type BackupIntegrity struct {
	Checksum  string `json:"checksum"`
	Algorithm string `json:"algorithm"`
}

// Backup is a checksummed snapshot. Incremental backups carry only Changes
// and name their parent in BasedOn.
type Backup struct {
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  BackupMetadata         `json:"metadata"`
	Integrity BackupIntegrity        `json:"integrity"`
	BasedOn   string                 `json:"basedOn,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
}

// RestoreResult is returned by the restore operations. Data is nil
// whenever Success is false.
type RestoreResult struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data"`
	BackupID string                 `json:"backupId,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// deepCopy detaches v from the caller through a JSON round trip.
func deepCopy(v map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBackup snapshots data with a checksum over its canonical form.
func (v *Validator) CreateBackup(data map[string]interface{}) (*Backup, error) {
	snap, err := deepCopy(data)
	if err != nil {
		return nil, fmt.Errorf("backup: copy data: %w", err)
	}
	if snap == nil {
		snap = map[string]interface{}{}
	}
	id, err := newID("bk-")
	if err != nil {
		return nil, err
	}
	sum, err := checksum.Sum(snap)
	if err != nil {
		return nil, fmt.Errorf("backup: checksum: %w", err)
	}
	return &Backup{
		Data:      snap,
		Metadata:  BackupMetadata{BackupID: id, Timestamp: v.now().UnixMilli(), Type: BackupFull, Version: v.version},
		Integrity: BackupIntegrity{Checksum: sum, Algorithm: checksum.Algorithm},
	}, nil
}

// CreateIncrementalBackup records changes relative to base.
func (v *Validator) CreateIncrementalBackup(base *Backup, changes map[string]interface{}) (*Backup, error) {
	if base == nil {
		return nil, errors.New("backup: incremental backup needs a base")
	}
	delta, err := deepCopy(changes)
	if err != nil {
		return nil, fmt.Errorf("backup: copy changes: %w", err)
	}
	if delta == nil {
		delta = map[string]interface{}{}
	}
	id, err := newID("bk-")
	if err != nil {
		return nil, err
	}
	b := &Backup{
		Metadata: BackupMetadata{BackupID: id, Timestamp: v.now().UnixMilli(), Type: BackupIncremental, Version: v.version},
		BasedOn:  base.Metadata.BackupID,
		Changes:  delta,
	}
	sum, err := checksum.Sum(incrementalBody(b))
	if err != nil {
		return nil, fmt.Errorf("backup: checksum: %w", err)
	}
	b.Integrity = BackupIntegrity{Checksum: sum, Algorithm: checksum.Algorithm}
	return b, nil
}

func incrementalBody(b *Backup) map[string]interface{} {
	changes := b.Changes
	if changes == nil {
		changes = map[string]interface{}{}
	}
	return map[string]interface{}{"basedOn": b.BasedOn, "changes": changes}
}

// VerifyBackupIntegrity recomputes the backup checksum and compares it.
func (v *Validator) VerifyBackupIntegrity(b *Backup) bool {
	if b == nil || b.Integrity.Checksum == "" {
		return false
	}
	var body interface{} = b.Data
	if b.Metadata.Type == BackupIncremental {
		body = incrementalBody(b)
	} else if b.Data == nil {
		body = map[string]interface{}{}
	}
	sum, err := checksum.Sum(body)
	if err != nil || !checksum.Equal(sum, b.Integrity.Checksum) {
		metrics.IntegrityFailures.WithLabelValues("backup").Inc()
		return false
	}
	return true
}

func failed(b *Backup, msg string) RestoreResult {
	r := RestoreResult{Error: msg}
	if b != nil {
		r.BackupID = b.Metadata.BackupID
	}
	return r
}

// RestoreFromBackup returns a copy of a full backup's data, refusing
// backups that fail verification.
func (v *Validator) RestoreFromBackup(b *Backup) RestoreResult {
	if b == nil {
		return failed(nil, "no backup given")
	}
	if b.Metadata.Type == BackupIncremental {
		return failed(b, "incremental backup must be restored with its base")
	}
	if !v.VerifyBackupIntegrity(b) {
		v.logger.Warn("integrity: refusing corrupted backup", "backup_id", b.Metadata.BackupID)
		return failed(b, "backup integrity verification failed")
	}
	data, err := deepCopy(b.Data)
	if err != nil {
		return failed(b, err.Error())
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	return RestoreResult{Success: true, Data: data, BackupID: b.Metadata.BackupID}
}

// RestoreIncremental restores base and merges inc's changes into it.
// Array-valued fields are concatenated; other fields are replaced.
func (v *Validator) RestoreIncremental(base, inc *Backup) RestoreResult {
	if inc == nil || inc.Metadata.Type != BackupIncremental {
		return failed(inc, "not an incremental backup")
	}
	if base == nil || inc.BasedOn != base.Metadata.BackupID {
		return failed(inc, fmt.Sprintf("incremental backup is based on %q", inc.BasedOn))
	}
	if !v.VerifyBackupIntegrity(inc) {
		v.logger.Warn("integrity: refusing corrupted backup", "backup_id", inc.Metadata.BackupID)
		return failed(inc, "backup integrity verification failed")
	}
	res := v.RestoreFromBackup(base)
	if !res.Success {
		res.BackupID = inc.Metadata.BackupID
		return res
	}
	changes, err := deepCopy(inc.Changes)
	if err != nil {
		return failed(inc, err.Error())
	}
	for k, delta := range changes {
		cur, curIsList := res.Data[k].([]interface{})
		add, addIsList := delta.([]interface{})
		if curIsList && addIsList {
			res.Data[k] = append(cur, add...)
			continue
		}
		res.Data[k] = delta
	}
	res.BackupID = inc.Metadata.BackupID
	return res
}

// Archiver copies backups to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// DefaultBackupRetention is how many backups BackupStore keeps.
const DefaultBackupRetention = 10

// BackupStore keeps the most recent backups under storage.KeyBackups and
// optionally mirrors each one to an Archiver.
type BackupStore struct {
	store    storage.Storage
	archiver Archiver
	keep     int
	logger   *slog.Logger
}

func NewBackupStore(store storage.Storage, archiver Archiver, keep int, logger *slog.Logger) *BackupStore {
	if keep <= 0 {
		keep = DefaultBackupRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupStore{store: store, archiver: archiver, keep: keep, logger: logger}
}

func (s *BackupStore) load(ctx context.Context) (map[string]*Backup, error) {
	all := map[string]*Backup{}
	if _, err := storage.GetJSON(ctx, s.store, storage.KeyBackups, &all); err != nil {
		return nil, err
	}
	if all == nil {
		all = map[string]*Backup{}
	}
	return all, nil
}

// Save stores b, dropping the oldest backups beyond the retention count,
// and archives it. An archive failure is logged, not returned.
func (s *BackupStore) Save(ctx context.Context, b *Backup) error {
	all, err := s.load(ctx)
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	all[b.Metadata.BackupID] = b
	for _, old := range oldest(all, len(all)-s.keep) {
		delete(all, old)
	}
	if err := s.store.Set(ctx, map[string]interface{}{storage.KeyBackups: all}); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}

	if s.archiver != nil {
		body, err := json.Marshal(b)
		if err == nil {
			err = s.archiver.Archive(ctx, "backups/"+b.Metadata.BackupID+".json", body)
		}
		if err != nil {
			s.logger.Warn("integrity: archiving backup failed", "backup_id", b.Metadata.BackupID, "err", err)
		}
	}
	return nil
}

func oldest(all map[string]*Backup, n int) []string {
	if n <= 0 {
		return nil
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return all[ids[i]].Metadata.Timestamp < all[ids[j]].Metadata.Timestamp
	})
	return ids[:n]
}

func (s *BackupStore) Load(ctx context.Context, id string) (*Backup, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return b, nil
}

// List returns backup metadata, oldest first.
func (s *BackupStore) List(ctx context.Context) ([]BackupMetadata, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BackupMetadata, 0, len(all))
	for _, b := range all {
		out = append(out, b.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
