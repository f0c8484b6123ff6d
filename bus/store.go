/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.etcd.io/bbolt"

	"github.com/wardenhq/warden/event"
)

var eventBucket = []byte(`events`)

// record is the gob-friendly on-disk representation of a SecurityEvent:
// SecurityEvent's fields are private so its invariants (nonempty reason,
// clipped risk score) can only be set through its own API, so the store
// marshals the already-validated public view instead of the struct
// itself -- the same reason an ingest pipeline ships a distinct on-wire
// block type rather than gob-encoding its internal entry type directly.
type record struct {
	ID              event.ID
	WallNanos       int64
	Kind            event.Kind
	Severity        event.Severity
	Subject         event.Subject
	Object          event.Object
	Verdict         event.Verdict
	Reason          string
	RiskScore       float64
	Generation      uint64
	TimeoutFallback bool
	HashDeferred    bool
}

func toRecord(ev *event.SecurityEvent) record {
	return record{
		ID:              ev.ID(),
		WallNanos:       ev.Timestamp().Wall.UnixNano(),
		Kind:            ev.Kind(),
		Severity:        ev.Severity(),
		Subject:         ev.Subject(),
		Object:          ev.Object(),
		Verdict:         ev.Verdict(),
		Reason:          ev.Reason(),
		RiskScore:       ev.RiskScore(),
		Generation:      ev.Generation(),
		TimeoutFallback: ev.TimeoutFallback(),
		HashDeferred:    ev.HashDeferred(),
	}
}

// Store is the append-only, day-partitioned on-disk log, one bbolt
// database file per UTC day, in the same single-bucket-per-file shape as
// a bolt-backed ingest cache: one bucket here instead of one per cache
// instance.
type Store struct {
	mtx         sync.Mutex
	dir         string
	retention   time.Duration
	dbs         map[string]*bbolt.DB // dayKey -> open handle
	writeCh     chan *event.SecurityEvent
	flushEvery  time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
	persistErrs uint64
}

// NewStore opens (lazily, per day) a bbolt-backed append log rooted at
// dir. retentionDays <= 0 disables retention truncation.
func NewStore(dir string, retentionDays int) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
		dbs:        make(map[string]*bbolt.DB),
		writeCh:    make(chan *event.SecurityEvent, 4096),
		flushEvery: 250 * time.Millisecond,
		stopCh:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

func dayKey(t time.Time) string { return t.UTC().Format(`2006-01-02`) }

func (s *Store) dbPath(day string) string { return filepath.Join(s.dir, day+`.bolt`) }

func (s *Store) dbFor(day string) (*bbolt.DB, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if db, ok := s.dbs[day]; ok {
		return db, nil
	}
	db, err := bbolt.Open(s.dbPath(day), 0640, &bbolt.Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s.dbs[day] = db
	return db, nil
}

// enqueue hands ev to the writer goroutine; publishers never block on
// disk I/O ("the on-disk flush is batched by a writer thread").
// A full queue drops the write and counts it as a PersistenceError
//, leaving in-memory publication unaffected.
func (s *Store) enqueue(ev *event.SecurityEvent) {
	select {
	case s.writeCh <- ev:
	default:
		s.mtx.Lock()
		s.persistErrs++
		s.mtx.Unlock()
	}
}

// PersistErrors reports the number of events dropped from the persistence
// path due to a saturated write queue.
func (s *Store) PersistErrors() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.persistErrs
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make(map[string][]*event.SecurityEvent)
	flush := func() {
		for day, evs := range batch {
			s.writeBatch(day, evs)
		}
		batch = make(map[string][]*event.SecurityEvent)
	}

	for {
		select {
		case ev, ok := <-s.writeCh:
			if !ok {
				flush()
				return
			}
			day := dayKey(ev.Timestamp().Wall)
			batch[day] = append(batch[day], ev)
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// drain whatever's queued before exiting.
			for {
				select {
				case ev, ok := <-s.writeCh:
					if !ok {
						flush()
						return
					}
					day := dayKey(ev.Timestamp().Wall)
					batch[day] = append(batch[day], ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) writeBatch(day string, evs []*event.SecurityEvent) {
	if len(evs) == 0 {
		return
	}
	db, err := s.dbFor(day)
	if err != nil {
		s.mtx.Lock()
		s.persistErrs += uint64(len(evs))
		s.mtx.Unlock()
		return
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(eventBucket)
		for _, ev := range evs {
			key := encodeKey(ev.Timestamp().Wall, ev.ID())
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(toRecord(ev)); err != nil {
				continue
			}
			if err := bkt.Put(key, buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mtx.Lock()
		s.persistErrs += uint64(len(evs))
		s.mtx.Unlock()
	}
}

// encodeKey orders records by wall-clock time within a bucket so a
// Cursor.Seek over the day file returns them in timestamp order (spec
// §4.9 "a small index on (kind, severity, timestamp)" -- the key
// ordering covers the timestamp axis; kind/severity filtering happens
// during the scan).
func encodeKey(t time.Time, id event.ID) []byte {
	b := make([]byte, 8+16)
	binary.BigEndian.PutUint64(b[:8], uint64(t.UnixNano()))
	copy(b[8:], id[:])
	return b
}

// Query implements query(filter, pagination) over the
// on-disk log. Pagination is a limit only (limit <= 0 means no limit);
// there is no offset, so callers wanting further pages pass a Since that
// advances past the last returned event's timestamp.
func (s *Store) Query(filter Filter, limit int) ([]*event.SecurityEvent, error) {
	days := s.candidateDays(filter)
	var out []*event.SecurityEvent
	for _, day := range days {
		db, err := s.dbFor(day)
		if err != nil {
			continue // missing day file: nothing recorded that day
		}
		err = db.View(func(tx *bbolt.Tx) error {
			bkt := tx.Bucket(eventBucket)
			if bkt == nil {
				return nil
			}
			c := bkt.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var r record
				if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&r); err != nil {
					continue
				}
				ev := fromRecord(r)
				if filter.matches(ev) {
					out = append(out, ev)
					if limit > 0 && len(out) >= limit {
						return nil
					}
				}
			}
			return nil
		})
		if err != nil {
			return out, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func fromRecord(r record) *event.SecurityEvent {
	ts := event.Timestamp{Wall: time.Unix(0, r.WallNanos)}
	return event.Restore(r.ID, ts, r.Kind, r.Severity, r.Subject, r.Object,
		r.Verdict, r.Reason, r.RiskScore, r.Generation, r.TimeoutFallback, r.HashDeferred)
}

// candidateDays returns the keys of the day files this Store currently has
// open, oldest first, restricted to days on or after filter.Since. Day
// files on disk that this Store has not opened are not included.
func (s *Store) candidateDays(filter Filter) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var days []string
	for day := range s.dbs {
		days = append(days, day)
	}
	sort.Strings(days)
	if filter.Since.IsZero() {
		return days
	}
	since := dayKey(filter.Since)
	out := days[:0:0]
	for _, d := range days {
		if d >= since {
			out = append(out, d)
		}
	}
	return out
}

// Retain archives every open day file whose day lies before the retention
// window: each one is closed, gzip-compressed to `<day>.bolt.gz`, and its
// `.bolt` file removed. The `.bolt.gz` archives are kept. Day files this
// Store has not opened are not considered.
func (s *Store) Retain(now time.Time) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-s.retention)

	s.mtx.Lock()
	var stale []string
	for day := range s.dbs {
		t, err := time.Parse(`2006-01-02`, day)
		if err == nil && t.Before(cutoff) {
			stale = append(stale, day)
		}
	}
	s.mtx.Unlock()

	for _, day := range stale {
		if err := s.archiveAndRemove(day); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) archiveAndRemove(day string) error {
	s.mtx.Lock()
	db := s.dbs[day]
	delete(s.dbs, day)
	s.mtx.Unlock()
	if db != nil {
		db.Close()
	}

	path := s.dbPath(day)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := compressFile(path, path+`.gz`); err != nil {
		return err
	}
	return os.Remove(path)
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	gw := gzip.NewWriter(out)
	defer gw.Close()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := gw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// Close drains the writer and closes every open day file.
func (s *Store) Close() error {
	close(s.stopCh)
	close(s.writeCh)
	s.wg.Wait()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, db := range s.dbs {
		db.Close()
	}
	return nil
}
