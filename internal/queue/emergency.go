package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/requestlog/internal/record"
)

const (
	dumpInfix   = "_dump."
	dumpSuffix  = ".jsonl"
	claimSuffix = ".claimed"
	tmpSuffix   = ".tmp"
)

// dumpFileName returns {name}_dump.{pid}.{unix seconds with microseconds}.jsonl.
func dumpFileName(name string, pid int, t time.Time) string {
	return fmt.Sprintf("%s%s%d.%d.%06d%s", name, dumpInfix, pid, t.Unix(), t.Nanosecond()/1000, dumpSuffix)
}

// isDumpFile reports whether base is an unclaimed dump file of queue name.
func isDumpFile(name, base string) bool {
	return strings.HasPrefix(base, name+dumpInfix) && strings.HasSuffix(base, dumpSuffix)
}

// EmergencySave drains every bucket, due or not, into one dump file and
// returns its path. An empty queue writes nothing and returns "". If the
// file cannot be written the records are put back in memory.
func (q *Queue) EmergencySave() (string, error) {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	q.mu.Lock()

	keys := q.sortedKeysLocked()
	drained := make(map[int64][]map[string]any, len(keys))
	all := make([]map[string]any, 0, q.pending)

	for _, k := range keys {
		recs := q.buckets[k].records
		drained[k] = recs
		all = append(all, recs...)
	}

	q.buckets = make(map[int64]*bucket, 4)
	q.pending = 0
	q.reportPendingLocked()

	q.mu.Unlock()

	if len(all) == 0 {
		return "", nil
	}

	path, err := q.writeDump(all)
	if err != nil {
		q.mu.Lock()
		for _, k := range keys {
			q.prependLocked(k, drained[k])
		}
		q.mu.Unlock()

		return "", fmt.Errorf("writing emergency dump: %w", err)
	}

	if q.health != nil {
		q.health.EmergencySaves.Inc()
		q.health.EmergencyRecords.Add(float64(len(all)))
	}

	q.log.WithFields(logrus.Fields{
		"path":    path,
		"records": len(all),
	}).Warn("Saved undelivered records to disk")

	return path, nil
}

func (q *Queue) writeDump(records []map[string]any) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encoding records: %w", err)
	}

	if err := os.MkdirAll(q.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dump directory: %w", err)
	}

	pid := os.Getpid()
	ts := q.now()

	path := filepath.Join(q.cfg.Dir, dumpFileName(q.cfg.Name, pid, ts))
	for {
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			break
		}

		ts = ts.Add(time.Microsecond)
		path = filepath.Join(q.cfg.Dir, dumpFileName(q.cfg.Name, pid, ts))
	}

	// Write under a name recovery ignores, then publish atomically.
	tmp := path + tmpSuffix

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return "", fmt.Errorf("publishing %s: %w", path, err)
	}

	return path, nil
}

// LoadEmergencySaves claims every dump file of this queue, re-buckets its
// records under the current time and deletes it. Claiming is an atomic
// rename, so concurrent recoveries never ingest a file twice; a file some
// other process claimed first is skipped. A claimed file that cannot be
// parsed is abandoned and reported in the returned error without stopping
// the scan. It returns the number of records recovered.
func (q *Queue) LoadEmergencySaves() (int, error) {
	entries, err := os.ReadDir(q.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("listing %s: %w", q.cfg.Dir, err)
	}

	var (
		total  int
		result *multierror.Error
	)

	for _, entry := range entries {
		if entry.IsDir() || !isDumpFile(q.cfg.Name, entry.Name()) {
			continue
		}

		path := filepath.Join(q.cfg.Dir, entry.Name())
		log := q.log.WithField("path", path)

		claim := path + claimSuffix
		if err := os.Rename(path, claim); err != nil {
			log.WithError(err).Debug("Dump file already claimed")

			if q.health != nil {
				q.health.RecoveryClaimMisses.Inc()
			}

			continue
		}

		records, err := readDump(claim)
		if err != nil {
			log.WithError(err).Warn("Abandoning unreadable dump file")

			if q.health != nil {
				q.health.RecoveryParseErrors.Inc()
			}

			result = multierror.Append(result, fmt.Errorf("reading %s: %w", claim, err))

			continue
		}

		q.mu.Lock()
		q.appendLocked(floorToWindow(q.now(), q.cfg.Window), records...)
		q.mu.Unlock()

		total += len(records)

		if err := os.Remove(claim); err != nil {
			log.WithError(err).Warn("Failed to remove claimed dump file")
		}

		if q.health != nil {
			q.health.RecoveredFiles.Inc()
			q.health.RecoveredRecords.Add(float64(len(records)))
		}

		log.WithField("records", len(records)).Info("Recovered records from dump file")
	}

	return total, result.ErrorOrNil()
}

func readDump(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}

	for i, rec := range records {
		if rec == nil {
			records[i] = map[string]any{}

			continue
		}

		for k, v := range rec {
			rec[k] = record.NormalizeNumbers(v)
		}
	}

	return records, nil
}
