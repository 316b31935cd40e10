package atdriver

// PersistentStore addresses the Wi-Fi modem's non-volatile region (§6.5):
// the UICR backup flag/blob, and the onboarded byte in NET_STATE. The
// real implementation lives outside this module's scope (flash/UICR
// access is board-specific); this interface is the seam the boot
// sequence (§4.2.6) is tested against.
type PersistentStore interface {
	// UicrBackupExists reports whether UICR_BACKUP_FLAG at
	// USER_NVRAM_BASE holds the 0xEA sentinel.
	UicrBackupExists() (bool, error)
	// ReadUicrBackup reads the UicrBackup blob stored after the flag.
	ReadUicrBackup() ([]byte, error)
	// WriteUicrBackup writes the blob and sets the flag.
	WriteUicrBackup(blob []byte) error
	// ReadOnChipUicr reads the chip's own UICR region for comparison.
	ReadOnChipUicr() ([]byte, error)

	// ReadOnboarded reads NET_STATE_BASE+ONBOARDED.
	ReadOnboarded() (bool, error)
	WriteOnboarded(bool) error
}

// MemStore is an in-memory PersistentStore used by tests and the
// wifisim/collard harnesses, standing in for the board's flash/UICR
// region.
type MemStore struct {
	BackupFlag bool
	Backup     []byte
	OnChip     []byte
	Onboarded  bool
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) UicrBackupExists() (bool, error) { return s.BackupFlag, nil }

func (s *MemStore) ReadUicrBackup() ([]byte, error) {
	return append([]byte(nil), s.Backup...), nil
}

func (s *MemStore) WriteUicrBackup(blob []byte) error {
	s.Backup = append([]byte(nil), blob...)
	s.BackupFlag = true
	return nil
}

func (s *MemStore) ReadOnChipUicr() ([]byte, error) {
	return append([]byte(nil), s.OnChip...), nil
}

func (s *MemStore) ReadOnboarded() (bool, error) { return s.Onboarded, nil }

func (s *MemStore) WriteOnboarded(v bool) error {
	s.Onboarded = v
	return nil
}
