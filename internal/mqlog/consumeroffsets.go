package mqlog

import (
	"fmt"
	"os"
	"sync"

	"go.yaml.in/yaml/v3"
)

// consumerOffsetsFileName is the sidecar file name inside a topic
// directory.
const consumerOffsetsFileName = "__consumer_offsets"

// consumerOffsets is the per-topic consumer_name to last_delivered_offset
// map, flushed to disk on every update. Serialized as YAML with the
// library the config stack already pulls in, rather than a bespoke
// binary format for a handful of small string-keyed entries.
type consumerOffsets struct {
	mu   sync.Mutex
	path string
	m    map[string]uint64
}

func openConsumerOffsets(path string) (*consumerOffsets, error) {
	c := &consumerOffsets{path: path, m: map[string]uint64{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("mqlog: reading consumer offsets %s: %w", path, err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := yaml.Unmarshal(data, &c.m); err != nil {
		return nil, fmt.Errorf("mqlog: parsing consumer offsets %s: %w", path, err)
	}
	return c, nil
}

// Get returns the last offset delivered to consumer, and whether one has
// ever been recorded.
func (c *consumerOffsets) Get(consumer string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[consumer]
	return v, ok
}

// Set records offset as the last one delivered to consumer and flushes
// immediately.
func (c *consumerOffsets) Set(consumer string, offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[consumer] = offset
	return c.flushLocked()
}

// RebaseBelow rewrites any consumer offset that would next target an
// offset below floor (the oldest retained segment's base, after a purge)
// to resume exactly at floor.
func (c *consumerOffsets) RebaseBelow(floor uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for name, last := range c.m {
		if last+1 < floor {
			c.m[name] = floor - 1
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.flushLocked()
}

func (c *consumerOffsets) flushLocked() error {
	data, err := yaml.Marshal(c.m)
	if err != nil {
		return fmt.Errorf("mqlog: marshaling consumer offsets: %w", err)
	}
	return os.WriteFile(c.path, data, 0o644)
}
