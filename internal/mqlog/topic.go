package mqlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Topic is a directory of segments plus a consumer-offset file. Exactly
// one producer mutates the active segment at a time; any number of
// consumers may poll concurrently.
type Topic struct {
	name         string
	dir          string
	maxBytes     int64
	keepSegments int

	mu      sync.Mutex
	bases   []uint64 // every known segment base, sorted ascending
	active  *segment
	opened  map[uint64]*segment // non-active segments kept open for reads
	offsets *consumerOffsets
}

// OpenTopic opens (creating if absent) the topic named name under dir.
func OpenTopic(dir, name string, maxBytes int64, keepSegments int) (*Topic, error) {
	topicDir := filepath.Join(dir, name)
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return nil, fmt.Errorf("mqlog: creating topic dir %s: %w", topicDir, err)
	}

	bases, err := scanSegmentBases(topicDir)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		bases = []uint64{0}
	}

	active, err := openSegment(topicDir, bases[len(bases)-1], maxBytes)
	if err != nil {
		return nil, err
	}

	offsets, err := openConsumerOffsets(filepath.Join(topicDir, consumerOffsetsFileName))
	if err != nil {
		active.close()
		return nil, err
	}

	return &Topic{
		name:         name,
		dir:          topicDir,
		maxBytes:     maxBytes,
		keepSegments: keepSegments,
		bases:        bases,
		active:       active,
		opened:       map[uint64]*segment{},
		offsets:      offsets,
	}, nil
}

func scanSegmentBases(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mqlog: reading topic dir %s: %w", dir, err)
	}

	var bases []uint64
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".log") {
			continue
		}
		stem := strings.TrimSuffix(ent.Name(), ".log")
		base, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// Push appends value as a new record, assigning it the next sequential
// offset, rolling to a new segment first if the active one has no room.
func (t *Topic) Push(value []byte) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.nextOffsetLocked()
	rec := Record{Offset: next, TimestampMs: time.Now().UnixMilli(), Value: value}
	encodedLen := EncodedLen(len(value))

	if !t.active.fits(encodedLen) {
		if err := t.rollLocked(next); err != nil {
			return Record{}, err
		}
	}

	if err := t.active.append(rec); err != nil {
		return Record{}, fmt.Errorf("mqlog: appending to segment %d: %w", t.active.base, err)
	}
	return rec, nil
}

func (t *Topic) nextOffsetLocked() uint64 {
	if last, ok := t.active.lastOffset(); ok {
		return last + 1
	}
	return t.active.base
}

// rollLocked retires the current active segment (keeping it open for
// reads) and starts a fresh one based at nextOffset.
func (t *Topic) rollLocked(nextOffset uint64) error {
	t.opened[t.active.base] = t.active

	seg, err := openSegment(t.dir, nextOffset, t.maxBytes)
	if err != nil {
		return fmt.Errorf("mqlog: rolling to new segment at offset %d: %w", nextOffset, err)
	}
	t.bases = append(t.bases, nextOffset)
	t.active = seg
	return nil
}

// Poll returns the next record consumer hasn't yet seen, or ok=false if
// it is caught up to the end of the topic.
func (t *Topic) Poll(consumer string) (Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var target uint64
	if last, ok := t.offsets.Get(consumer); ok {
		target = last + 1
	} else {
		target = t.bases[0]
	}

	seg, err := t.segmentForReadLocked(nearestBase(t.bases, target))
	if err != nil {
		return Record{}, false, err
	}

	pos, found := seg.findOffset(target)
	if !found {
		return Record{}, false, nil
	}

	rec, err := seg.readAt(pos)
	if err != nil {
		return Record{}, false, err
	}

	if err := t.offsets.Set(consumer, target); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (t *Topic) segmentForReadLocked(base uint64) (*segment, error) {
	if t.active.base == base {
		return t.active, nil
	}
	if seg, ok := t.opened[base]; ok {
		return seg, nil
	}
	seg, err := openSegment(t.dir, base, t.maxBytes)
	if err != nil {
		return nil, err
	}
	t.opened[base] = seg
	return seg, nil
}

// nearestBase returns the largest element of bases that is <= target, or
// bases[0] if target precedes every known base. bases must be sorted
// ascending and non-empty.
func nearestBase(bases []uint64, target uint64) uint64 {
	idx := sort.Search(len(bases), func(i int) bool { return bases[i] > target })
	if idx == 0 {
		return bases[0]
	}
	return bases[idx-1]
}

// Purge drops every segment beyond the keepSegments most recent, and
// rebases any consumer offset that pointed into a purged segment to
// resume at the oldest retained one.
func (t *Topic) Purge() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.bases) <= t.keepSegments {
		return nil
	}

	removeCount := len(t.bases) - t.keepSegments
	toRemove := t.bases[:removeCount]
	retained := append([]uint64(nil), t.bases[removeCount:]...)

	for _, base := range toRemove {
		if seg, ok := t.opened[base]; ok {
			if err := seg.remove(); err != nil {
				return fmt.Errorf("mqlog: removing segment %d: %w", base, err)
			}
			delete(t.opened, base)
			continue
		}
		if err := removeSegmentFiles(t.dir, base); err != nil {
			return fmt.Errorf("mqlog: removing segment %d: %w", base, err)
		}
	}
	t.bases = retained

	return t.offsets.RebaseBelow(retained[0])
}

func removeSegmentFiles(dir string, base uint64) error {
	for _, ext := range []string{".log", ".index"} {
		if err := os.Remove(filepath.Join(dir, baseName(base)+ext)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close releases every open segment's memory mapping and file handle.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if err := t.active.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, seg := range t.opened {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
