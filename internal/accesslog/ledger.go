package accesslog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/NASA-AMMOS/landform-https/pkg/models"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var (
	bucketPaths     = []byte("paths")
	ErrPathNotFound = errors.New("path not found")
)

// Ledger counts requests per path in a bbolt database.
type Ledger struct {
	db     *bbolt.DB
	logger *logrus.Logger
	now    func() time.Time
}

func Open(path string, logger *logrus.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPaths)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Ledger{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (l *Ledger) Record(path string, status int) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPaths)

		stat := models.PathStat{Path: path}
		if data := b.Get([]byte(path)); data != nil {
			if err := json.Unmarshal(data, &stat); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", path, err)
			}
		}

		stat.Hits++
		stat.LastStatus = status
		stat.LastSeen = l.now().UTC()

		data, err := json.Marshal(stat)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		return b.Put([]byte(path), data)
	})
}

func (l *Ledger) Get(path string) (*models.PathStat, error) {
	var stat models.PathStat

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPaths)
		data := b.Get([]byte(path))

		if data == nil {
			return ErrPathNotFound
		}

		return json.Unmarshal(data, &stat)
	})

	if err != nil {
		return nil, err
	}

	return &stat, nil
}

// List returns every entry, most requested first.
func (l *Ledger) List() ([]*models.PathStat, error) {
	var stats []*models.PathStat

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPaths)

		return b.ForEach(func(k, v []byte) error {
			var stat models.PathStat
			if err := json.Unmarshal(v, &stat); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			stats = append(stats, &stat)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Hits != stats[j].Hits {
			return stats[i].Hits > stats[j].Hits
		}
		return stats[i].Path < stats[j].Path
	})

	return stats, nil
}

func (l *Ledger) Reset() error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketPaths); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketPaths)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}

	l.logger.Info("Access ledger reset")
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
