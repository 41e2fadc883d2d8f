package storage

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type kvEntry struct {
	Key   []byte `gorm:"column:entry_key;primaryKey"`
	Value []byte `gorm:"column:entry_value"`
}

func (kvEntry) TableName() string { return "market_kv" }

// SQLDB stores keys in a single table through gorm. Byte-wise key ordering
// relies on the dialect comparing blobs with memcmp semantics, which holds for
// SQLite BLOB and Postgres bytea.
type SQLDB struct {
	db *gorm.DB
}

// NewSQLiteDB opens (or creates) an SQLite database file.
func NewSQLiteDB(path string) (*SQLDB, error) {
	return openSQL(sqlite.Open(path))
}

// NewPostgresDB connects to Postgres using dsn.
func NewPostgresDB(dsn string) (*SQLDB, error) {
	return openSQL(postgres.Open(dsn))
}

func openSQL(dialector gorm.Dialector) (*SQLDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate sql store: %w", err)
	}
	return &SQLDB{db: db}, nil
}

func (s *SQLDB) Put(key []byte, value []byte) error {
	return put(s.db, key, value)
}

func (s *SQLDB) Get(key []byte) ([]byte, error) {
	var entry kvEntry
	err := s.db.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if entry.Value == nil {
		return []byte{}, nil
	}
	return entry.Value, nil
}

func (s *SQLDB) Delete(key []byte) error {
	return s.db.Where("entry_key = ?", key).Delete(&kvEntry{}).Error
}

func (s *SQLDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	query := s.db.Model(&kvEntry{}).Order("entry_key")
	if len(prefix) > 0 {
		r := util.BytesPrefix(prefix)
		query = query.Where("entry_key >= ?", r.Start)
		if r.Limit != nil {
			query = query.Where("entry_key < ?", r.Limit)
		}
	}
	var entries []kvEntry
	if err := query.Find(&entries).Error; err != nil {
		return err
	}
	for _, entry := range entries {
		if err := fn(entry.Key, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDB) Apply(ops []Op) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if op.Delete {
				if err := tx.Where("entry_key = ?", op.Key).Delete(&kvEntry{}).Error; err != nil {
					return err
				}
				continue
			}
			if err := put(tx, op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLDB) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func put(db *gorm.DB, key, value []byte) error {
	entry := kvEntry{Key: append([]byte(nil), key...), Value: append([]byte{}, value...)}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value"}),
	}).Create(&entry).Error
}
