// Package mqlog implements the append-only segmented log: per-topic
// directories of fixed-capacity segments, each a memory-mapped data file
// plus index file, with a consumer-offset file tracking per-consumer
// delivery progress.
package mqlog

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/metrics"
)

// Options configures a Log: where topics live on disk, how large a
// segment is allowed to grow, how many segments each topic retains, and
// whether record values are zstd-compressed before they're appended.
type Options struct {
	Dir             string
	SegmentMaxBytes int64
	KeepSegments    int
	Compress        bool
}

// Log is the top-level registry of Topics. Crawl output is pushed here
// (topic "metadata" by convention), decoupling it from whatever indexes
// the log downstream.
type Log struct {
	dir          string
	maxBytes     int64
	keepSegments int
	compress     bool
	enc          *zstd.Encoder
	dec          *zstd.Decoder
	logger       *zap.Logger

	mu     sync.Mutex
	topics map[string]*Topic
}

// Open builds a Log under opts.Dir, creating it if absent.
func Open(opts Options, logger *zap.Logger) (*Log, error) {
	if opts.SegmentMaxBytes <= 0 {
		return nil, fmt.Errorf("mqlog: segment_max_bytes must be > 0")
	}
	if opts.KeepSegments <= 0 {
		return nil, fmt.Errorf("mqlog: keep_segments must be > 0")
	}

	l := &Log{
		dir:          opts.Dir,
		maxBytes:     opts.SegmentMaxBytes,
		keepSegments: opts.KeepSegments,
		compress:     opts.Compress,
		logger:       logger,
		topics:       map[string]*Topic{},
	}

	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("mqlog: building zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("mqlog: building zstd decoder: %w", err)
		}
		l.enc, l.dec = enc, dec
	}

	return l, nil
}

func (l *Log) topic(name string) (*Topic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[name]; ok {
		return t, nil
	}
	t, err := OpenTopic(l.dir, name, l.maxBytes, l.keepSegments)
	if err != nil {
		return nil, err
	}
	l.topics[name] = t
	return t, nil
}

// Push appends value to topicName, returning the record it was assigned.
func (l *Log) Push(topicName string, value []byte) (Record, error) {
	t, err := l.topic(topicName)
	if err != nil {
		return Record{}, err
	}

	if l.compress {
		value = l.enc.EncodeAll(value, nil)
	}

	rec, err := t.Push(value)
	if err != nil {
		return Record{}, err
	}
	metrics.MQLogAppendTotal.WithLabelValues(topicName).Inc()
	return rec, nil
}

// Poll delivers the next undelivered record for consumer on topicName, or
// ok=false if the consumer is caught up to the end of the topic.
func (l *Log) Poll(topicName, consumer string) (Record, bool, error) {
	t, err := l.topic(topicName)
	if err != nil {
		return Record{}, false, err
	}

	rec, ok, err := t.Poll(consumer)
	if err != nil || !ok {
		return rec, ok, err
	}

	if l.compress {
		value, decErr := l.dec.DecodeAll(rec.Value, nil)
		if decErr != nil {
			return Record{}, false, fmt.Errorf("mqlog: decompressing record at offset %d: %w", rec.Offset, decErr)
		}
		rec.Value = value
	}

	metrics.MQLogPollTotal.WithLabelValues(topicName, consumer).Inc()
	return rec, true, nil
}

// Purge evicts segments beyond KeepSegments for every topic opened so
// far. Intended to be called from a periodic maintenance loop.
func (l *Log) Purge() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, t := range l.topics {
		if err := t.Purge(); err != nil {
			return fmt.Errorf("mqlog: purging topic %s: %w", name, err)
		}
	}
	return nil
}

// Close releases every open topic's segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, t := range l.topics {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
