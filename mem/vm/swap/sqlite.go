package swap

import (
	"database/sql"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps swapped pages in a SQLite database, one row per slot.
type SQLiteStore struct {
	*slotMap

	db        *sql.DB
	insert    *sql.Stmt
	selectRow *sql.Stmt
	remove    *sql.Stmt
}

// OpenSQLiteStore opens the database at path and prepares the swap table.
// Rows left by a previous run are dropped.
func OpenSQLiteStore(path string, numSlots int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening swap database %s", path)
	}

	db.SetMaxOpenConns(1)

	s := &SQLiteStore{slotMap: newSlotMap(numSlots), db: db}

	err = s.prepare()
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "preparing swap database %s", path)
	}

	return s, nil
}

func (s *SQLiteStore) prepare() error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS swap (slot INTEGER PRIMARY KEY, data BLOB)`,
		`DELETE FROM swap`,
	} {
		_, err := s.db.Exec(q)
		if err != nil {
			return err
		}
	}

	var err error

	s.insert, err = s.db.Prepare(
		`INSERT OR REPLACE INTO swap (slot, data) VALUES (?, ?)`)
	if err != nil {
		return err
	}

	s.selectRow, err = s.db.Prepare(`SELECT data FROM swap WHERE slot = ?`)
	if err != nil {
		return err
	}

	s.remove, err = s.db.Prepare(`DELETE FROM swap WHERE slot = ?`)

	return err
}

// WriteOut stores a page in the lowest free slot.
func (s *SQLiteStore) WriteOut(src []byte) (vm.SlotIndex, error) {
	mustBePage(src)

	slot, err := s.allocate()
	if err != nil {
		return vm.NoSlot, err
	}

	_, err = s.insert.Exec(int64(slot), src)
	if err != nil {
		_ = s.release(slot)
		return vm.NoSlot, errors.Wrapf(err, "writing swap slot %d", slot)
	}

	return slot, nil
}

// ReadIn loads the page in slot into dst.
func (s *SQLiteStore) ReadIn(slot vm.SlotIndex, dst []byte) error {
	mustBePage(dst)

	err := s.check(slot)
	if err != nil {
		return err
	}

	var data []byte

	err = s.selectRow.QueryRow(int64(slot)).Scan(&data)
	if err != nil {
		return errors.Wrapf(err, "reading swap slot %d", slot)
	}

	if len(data) != vm.PageSize {
		return errors.Errorf("swap slot %d holds %d bytes", slot, len(data))
	}

	copy(dst, data)

	return nil
}

// Release deletes the row of slot and frees it.
func (s *SQLiteStore) Release(slot vm.SlotIndex) error {
	err := s.check(slot)
	if err != nil {
		return err
	}

	_, err = s.remove.Exec(int64(slot))
	if err != nil {
		return errors.Wrapf(err, "deleting swap slot %d", slot)
	}

	return s.release(slot)
}

// Close closes the statements and the database.
func (s *SQLiteStore) Close() error {
	var result *multierror.Error

	for _, stmt := range []*sql.Stmt{s.insert, s.selectRow, s.remove} {
		if stmt == nil {
			continue
		}

		err := stmt.Close()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	err := s.db.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
