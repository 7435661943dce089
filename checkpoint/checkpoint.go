// Package checkpoint persists rate-optimization state, so that
// interrupted runs resume from their best point.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

var log = logging.MustGetLogger("checkpoint")

// main is the bucket holding all checkpoints.
var mainBucket = []byte("main")

// Data is one optimization checkpoint.
type Data struct {
	Values []float64
	Score  float64
	Final  bool
}

// IO reads and writes checkpoints for one key (one family set and
// model).
type IO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewIO creates a checkpoint handle saving at most every given number
// of seconds.
func NewIO(db *bolt.DB, key []byte, seconds float64) *IO {
	return &IO{db: db, key: key, seconds: seconds}
}

// Save stores a checkpoint.
func (s *IO) Save(data *Data) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	dataB, err := json.Marshal(data)
	if err != nil {
		log.Error("Error serializing checkpoint ", err)
		return err
	}
	err = SaveData(s.db, s.key, dataB)
	if err != nil {
		log.Error("Error saving checkpoint ", err)
	}
	return err
}

// Load returns the stored checkpoint, nil when absent.
func (s *IO) Load() (*Data, error) {
	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}
	var data *Data
	if err = json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	if data == nil || len(data.Values) == 0 {
		return nil, nil
	}
	if data.Final {
		log.Noticef("Found finished rate optimization checkpoint (lnL=%v)", data.Score)
	} else {
		log.Noticef("Found unfinished rate optimization checkpoint (lnL=%v)", data.Score)
	}
	return data, nil
}

// Old returns true if the last checkpoint save was too long ago.
func (s *IO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets the last checkpoint time to now.
func (s *IO) SetNow() { s.last = time.Now() }

// SaveData saves a value in the bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(mainBucket)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData loads a value from the bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mainBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
