package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fleetbench/fleetbench/jobs"
)

// Keys are t/<jobID>/<seq>, both zero padded so that badger's byte order is
// the recording order within a job and job id order across jobs.
const (
	transitionPrefix  = "t/"
	sequenceKey       = "seq/transitions"
	sequenceBandwidth = 64
)

type badgerJournal struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens, or creates, a journal stored in dir.
func OpenBadger(dir string) (Journal, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts = opts.WithLogger(badgerLogger{})
	opts = opts.WithValueLogFileSize(1 << 24)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s", dir)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "journal sequence")
	}
	return &badgerJournal{db: db, seq: seq}, nil
}

func jobPrefix(jobID int) []byte {
	return []byte(fmt.Sprintf("%s%010d/", transitionPrefix, jobID))
}

func transitionKey(jobID int, seq uint64) []byte {
	return append(jobPrefix(jobID), []byte(fmt.Sprintf("%020d", seq))...)
}

func (j *badgerJournal) Record(t jobs.Transition) error {
	seq, err := j.seq.Next()
	if err != nil {
		return errors.Wrap(err, "journal sequence")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(transitionKey(t.JobID, seq), data)
	})
}

func (j *badgerJournal) History(jobID int) ([]jobs.Transition, error) {
	var out []jobs.Transition
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = jobPrefix(jobID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var t jobs.Transition
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &t)
			}); err != nil {
				return errors.Wrapf(err, "decoding %s", it.Item().Key())
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (j *badgerJournal) JobIDs() ([]int, error) {
	var ids []int
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(transitionPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		last := -1
		for it.Rewind(); it.Valid(); it.Next() {
			parts := strings.SplitN(strings.TrimPrefix(string(it.Item().Key()), transitionPrefix), "/", 2)
			id, err := strconv.Atoi(parts[0])
			if err != nil {
				return errors.Wrapf(err, "bad journal key %s", it.Item().Key())
			}
			if id != last {
				ids = append(ids, id)
				last = id
			}
		}
		return nil
	})
	return ids, err
}

func (j *badgerJournal) Close() error {
	if err := j.seq.Release(); err != nil {
		log.WithError(err).Warn("Releasing journal sequence")
	}
	return j.db.Close()
}

// badgerLogger sends badger's own logging through logrus, demoting its
// chatty info lines to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.WithField("component", "journal").Errorf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.WithField("component", "journal").Warnf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.WithField("component", "journal").Debugf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.WithField("component", "journal").Debugf(format, args...)
}
