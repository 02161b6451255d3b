package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"taglockd/internal/policy"
)

// Schema for the taglockd state store.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    mode        TEXT NOT NULL CHECK (mode IN ('blocklist', 'allowlist')),
    is_active   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_members (
    profile_id    INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
    package_id    TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    blocked       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (profile_id, package_id)
);

CREATE INDEX IF NOT EXISTS idx_members_package ON profile_members(package_id);

CREATE TABLE IF NOT EXISTS lock_state (
    id                      INTEGER PRIMARY KEY CHECK (id = 1),
    is_locked               INTEGER NOT NULL DEFAULT 0,
    locked_at               INTEGER,
    emergency_requested_at  INTEGER
);

CREATE TABLE IF NOT EXISTS settings (
    id                          INTEGER PRIMARY KEY CHECK (id = 1),
    active_profile_id           INTEGER REFERENCES profiles(id),
    unlock_delay_ms             INTEGER NOT NULL,
    block_settings_when_locked  INTEGER NOT NULL DEFAULT 1,
    setup_completed             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tokens (
    token_id       TEXT PRIMARY KEY,
    display_name   TEXT NOT NULL DEFAULT '',
    registered_at  INTEGER NOT NULL
);
`

// DefaultUnlockDelayMillis is the unlock delay used when the settings
// row is first created (15 minutes).
const DefaultUnlockDelayMillis = 15 * 60 * 1000

// ErrNotFound is returned when an operation references a profile or
// token that does not exist. This is an expected outcome, not a fault.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed state store shared by every engine
// component. Multi-row invariants (single active profile, settings
// mirror) are protected by running their updates in one transaction.
type Store struct {
	db       *sql.DB
	notifier *notifier
}

// Open opens or creates the SQLite database at the given path and
// applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, notifier: newNotifier()}, nil
}

// Close closes the database connection and all change subscriptions.
func (s *Store) Close() error {
	if s.notifier != nil {
		s.notifier.close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EnsureSingletons creates the lock_state and settings rows with
// defaults if they are absent. Existing rows are left untouched, so a
// persisted lock survives a restart. Idempotent.
func (s *Store) EnsureSingletons() error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO lock_state (id, is_locked, locked_at, emergency_requested_at)
		VALUES (1, 0, NULL, NULL)`)
	if err != nil {
		return fmt.Errorf("ensure lock state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO settings (id, active_profile_id, unlock_delay_ms, block_settings_when_locked, setup_completed)
		VALUES (1, NULL, ?, 1, 0)`, DefaultUnlockDelayMillis)
	if err != nil {
		return fmt.Errorf("ensure settings: %w", err)
	}

	return nil
}

// GetLockState retrieves the singleton lock row.
func (s *Store) GetLockState() (*LockState, error) {
	var ls LockState
	var lockedAt, requestedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT is_locked, locked_at, emergency_requested_at
		FROM lock_state WHERE id = 1`,
	).Scan(&ls.IsLocked, &lockedAt, &requestedAt)
	if err != nil {
		return nil, fmt.Errorf("get lock state: %w", err)
	}

	ls.LockedAt = lockedAt.Int64
	ls.EmergencyRequestedAt = requestedAt.Int64

	return &ls, nil
}

// SetLockState replaces the singleton lock row. Zero LockedAt and
// EmergencyRequestedAt values are stored as NULL.
func (s *Store) SetLockState(ls *LockState) error {
	_, err := s.db.Exec(`
		UPDATE lock_state
		SET is_locked = ?, locked_at = ?, emergency_requested_at = ?
		WHERE id = 1`,
		ls.IsLocked, nullableMillis(ls.LockedAt), nullableMillis(ls.EmergencyRequestedAt),
	)
	if err != nil {
		return fmt.Errorf("set lock state: %w", err)
	}

	s.notifier.emit(ChangeLock)
	return nil
}

// GetSettings retrieves the singleton settings row.
func (s *Store) GetSettings() (*Settings, error) {
	var st Settings
	var active sql.NullInt64

	err := s.db.QueryRow(`
		SELECT active_profile_id, unlock_delay_ms, block_settings_when_locked, setup_completed
		FROM settings WHERE id = 1`,
	).Scan(&active, &st.UnlockDelayMillis, &st.BlockSettingsWhenLocked, &st.SetupCompleted)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.ActiveProfileID = active.Int64

	return &st, nil
}

// UpdateSettings replaces the user-configurable settings fields. The
// active profile mirror is owned by the profile transactions and is not
// touched here.
func (s *Store) UpdateSettings(unlockDelayMillis int64, blockSettingsWhenLocked, setupCompleted bool) error {
	_, err := s.db.Exec(`
		UPDATE settings
		SET unlock_delay_ms = ?, block_settings_when_locked = ?, setup_completed = ?
		WHERE id = 1`,
		unlockDelayMillis, blockSettingsWhenLocked, setupCompleted,
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}

	s.notifier.emit(ChangeSettings)
	return nil
}

// InsertProfile inserts a new inactive profile and returns its ID.
func (s *Store) InsertProfile(name string, mode policy.Mode, createdAt int64) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO profiles (name, mode, is_active, created_at)
		VALUES (?, ?, 0, ?)`,
		name, string(mode), createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	s.notifier.emit(ChangeProfile)
	return id, nil
}

// GetProfile retrieves a profile by ID. Returns nil if not found.
func (s *Store) GetProfile(id int64) (*Profile, error) {
	var p Profile
	var mode string

	err := s.db.QueryRow(`
		SELECT id, name, mode, is_active, created_at
		FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &mode, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p.Mode = policy.Mode(mode)
	return &p, nil
}

// ListProfiles retrieves all profiles ordered by ID.
func (s *Store) ListProfiles() ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT id, name, mode, is_active, created_at
		FROM profiles ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		var mode string
		if err := rows.Scan(&p.ID, &p.Name, &mode, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.Mode = policy.Mode(mode)
		profiles = append(profiles, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	return profiles, nil
}

// CountProfiles returns the number of profiles.
func (s *Store) CountProfiles() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

// AddMember inserts or replaces a membership row for the profile.
func (s *Store) AddMember(profileID int64, packageID, displayName string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO profile_members (profile_id, package_id, display_name, blocked)
		VALUES (?, ?, ?, 1)`,
		profileID, packageID, displayName,
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	s.notifier.emit(ChangeMembership)
	return nil
}

// RemoveMember deletes a membership row. Returns false if no such row
// existed.
func (s *Store) RemoveMember(profileID int64, packageID string) (bool, error) {
	result, err := s.db.Exec(`
		DELETE FROM profile_members WHERE profile_id = ? AND package_id = ?`,
		profileID, packageID,
	)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.notifier.emit(ChangeMembership)
	return true, nil
}

// ListMembers retrieves the membership set of a profile ordered by
// package ID.
func (s *Store) ListMembers(profileID int64) ([]Member, error) {
	rows, err := s.db.Query(`
		SELECT profile_id, package_id, display_name, blocked
		FROM profile_members WHERE profile_id = ?
		ORDER BY package_id ASC`, profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ProfileID, &m.PackageID, &m.DisplayName, &m.Blocked); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	return members, nil
}

// SetActiveProfile atomically deactivates every other profile,
// activates the given one, and mirrors its ID into the settings row.
// A reader can never observe two active profiles or a settings mirror
// pointing at a deactivated row. Returns ErrNotFound if the profile
// does not exist.
func (s *Store) SetActiveProfile(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM profiles WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check profile: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE profiles SET is_active = (id = ?)`, id); err != nil {
		return fmt.Errorf("activate profile: %w", err)
	}
	if _, err := tx.Exec(`UPDATE settings SET active_profile_id = ? WHERE id = 1`, id); err != nil {
		return fmt.Errorf("mirror active profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.emit(ChangeProfile)
	s.notifier.emit(ChangeSettings)
	return nil
}

// DeleteProfileAndReassignActive deletes a profile and its memberships.
// Returns false without mutation when the profile is the only one
// remaining. If the deleted profile was active, the remaining profile
// with the lowest ID becomes active and the settings mirror follows,
// all in the same transaction. Returns ErrNotFound if the profile does
// not exist.
func (s *Store) DeleteProfileAndReassignActive(id int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var wasActive bool
	err = tx.QueryRow(`SELECT is_active FROM profiles WHERE id = ?`, id).Scan(&wasActive)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check profile: %w", err)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&count); err != nil {
		return false, fmt.Errorf("count profiles: %w", err)
	}
	if count <= 1 {
		return false, nil
	}

	// The settings mirror references profiles(id) and the constraint is
	// checked per statement, so the mirror must move to the successor
	// before the row it points at is deleted.
	if wasActive {
		var next int64
		if err := tx.QueryRow(`SELECT id FROM profiles WHERE id != ? ORDER BY id ASC LIMIT 1`, id).Scan(&next); err != nil {
			return false, fmt.Errorf("pick next active profile: %w", err)
		}
		if _, err := tx.Exec(`UPDATE profiles SET is_active = (id = ?)`, next); err != nil {
			return false, fmt.Errorf("reassign active profile: %w", err)
		}
		if _, err := tx.Exec(`UPDATE settings SET active_profile_id = ? WHERE id = 1`, next); err != nil {
			return false, fmt.Errorf("mirror active profile: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.emit(ChangeProfile)
	s.notifier.emit(ChangeMembership)
	return true, nil
}

// DuplicateProfile copies a profile's mode and membership set into a
// new inactive profile and returns the new ID. Returns ErrNotFound if
// the source profile does not exist.
func (s *Store) DuplicateProfile(id int64, newName string, createdAt int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var mode string
	err = tx.QueryRow(`SELECT mode FROM profiles WHERE id = ?`, id).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get source profile: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO profiles (name, mode, is_active, created_at)
		VALUES (?, ?, 0, ?)`,
		newName, mode, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert duplicate: %w", err)
	}

	newID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO profile_members (profile_id, package_id, display_name, blocked)
		SELECT ?, package_id, display_name, blocked
		FROM profile_members WHERE profile_id = ?`,
		newID, id,
	)
	if err != nil {
		return 0, fmt.Errorf("copy members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.emit(ChangeProfile)
	s.notifier.emit(ChangeMembership)
	return newID, nil
}

// PruneEmptyProfiles deletes every profile with zero memberships, but
// never drops the profile count below one and only runs when more than
// one profile exists. If the active profile is pruned, the remaining
// profile with the lowest ID becomes active. Returns the number of
// profiles deleted.
func (s *Store) PruneEmptyProfiles() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	if count <= 1 {
		return 0, nil
	}

	// Empty profiles, keeping the lowest-ID one if all are empty so the
	// count never reaches zero.
	rows, err := tx.Query(`
		SELECT p.id FROM profiles p
		WHERE NOT EXISTS (SELECT 1 FROM profile_members m WHERE m.profile_id = p.id)
		ORDER BY p.id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query empty profiles: %w", err)
	}

	var empty []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan empty profile: %w", err)
		}
		empty = append(empty, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate empty profiles: %w", err)
	}
	rows.Close()

	if len(empty) == count {
		empty = empty[1:]
	}
	if len(empty) == 0 {
		return 0, nil
	}

	doomed := make(map[int64]struct{}, len(empty))
	for _, id := range empty {
		doomed[id] = struct{}{}
	}

	// The settings mirror references profiles(id) per statement, so if
	// the active profile is about to be pruned the mirror and the
	// is_active flag move to the lowest surviving profile first.
	var active sql.NullInt64
	if err := tx.QueryRow(`SELECT active_profile_id FROM settings WHERE id = 1`).Scan(&active); err != nil {
		return 0, fmt.Errorf("read active profile: %w", err)
	}
	if _, pruned := doomed[active.Int64]; active.Valid && pruned {
		next, err := lowestSurvivingProfile(tx, doomed)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(`UPDATE profiles SET is_active = (id = ?)`, next); err != nil {
			return 0, fmt.Errorf("reassign active profile: %w", err)
		}
		if _, err := tx.Exec(`UPDATE settings SET active_profile_id = ? WHERE id = 1`, next); err != nil {
			return 0, fmt.Errorf("mirror active profile: %w", err)
		}
	}

	for _, id := range empty {
		if _, err := tx.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete empty profile: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	s.notifier.emit(ChangeProfile)
	return len(empty), nil
}

// DecisionSnapshot reads everything the decision function needs for one
// candidate package inside a single transaction.
func (s *Store) DecisionSnapshot(packageID string) (*Snapshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snap Snapshot

	if err := tx.QueryRow(`SELECT is_locked FROM lock_state WHERE id = 1`).Scan(&snap.Locked); err != nil {
		return nil, fmt.Errorf("read lock state: %w", err)
	}

	var active sql.NullInt64
	err = tx.QueryRow(`
		SELECT active_profile_id, block_settings_when_locked
		FROM settings WHERE id = 1`,
	).Scan(&active, &snap.BlockSettingsWhenLocked)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if active.Valid {
		var mode string
		err = tx.QueryRow(`SELECT mode FROM profiles WHERE id = ? AND is_active = 1`, active.Int64).Scan(&mode)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Mirror points at a missing or inactive row; fail open.
		case err != nil:
			return nil, fmt.Errorf("read active profile: %w", err)
		default:
			snap.HasProfile = true
			snap.Mode = policy.Mode(mode)

			var member int
			err = tx.QueryRow(`
				SELECT COUNT(*) FROM profile_members
				WHERE profile_id = ? AND package_id = ?`,
				active.Int64, packageID,
			).Scan(&member)
			if err != nil {
				return nil, fmt.Errorf("read membership: %w", err)
			}
			snap.IsMember = member > 0
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot read: %w", err)
	}

	return &snap, nil
}

// InsertToken registers a token.
func (s *Store) InsertToken(tokenID, displayName string, registeredAt int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tokens (token_id, display_name, registered_at)
		VALUES (?, ?, ?)`,
		tokenID, displayName, registeredAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	s.notifier.emit(ChangeToken)
	return nil
}

// GetToken retrieves a token by ID. Returns nil if not registered.
func (s *Store) GetToken(tokenID string) (*Token, error) {
	var t Token

	err := s.db.QueryRow(`
		SELECT token_id, display_name, registered_at
		FROM tokens WHERE token_id = ?`, tokenID,
	).Scan(&t.TokenID, &t.DisplayName, &t.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get token: %w", err)
	}

	return &t, nil
}

// DeleteToken removes a registered token. Returns false if it was not
// registered.
func (s *Store) DeleteToken(tokenID string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return false, fmt.Errorf("delete token: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.notifier.emit(ChangeToken)
	return true, nil
}

// ListTokens retrieves all registered tokens ordered by registration
// time.
func (s *Store) ListTokens() ([]Token, error) {
	rows, err := s.db.Query(`
		SELECT token_id, display_name, registered_at
		FROM tokens ORDER BY registered_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.TokenID, &t.DisplayName, &t.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	return tokens, nil
}

// CountTokens returns the number of registered tokens.
func (s *Store) CountTokens() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// lowestSurvivingProfile returns the lowest profile ID not present in
// the doomed set.
func lowestSurvivingProfile(tx *sql.Tx, doomed map[int64]struct{}) (int64, error) {
	rows, err := tx.Query(`SELECT id FROM profiles ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query surviving profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan surviving profile: %w", err)
		}
		if _, ok := doomed[id]; !ok {
			return id, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate surviving profiles: %w", err)
	}
	return 0, fmt.Errorf("no surviving profile")
}

// nullableMillis converts a zero millisecond timestamp to NULL.
func nullableMillis(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}
