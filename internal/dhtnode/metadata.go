package dhtnode

import (
	"go.uber.org/zap"

	"github.com/yiilian/dht-node/internal/bencode"
	"github.com/yiilian/dht-node/internal/mqlog"
	"github.com/yiilian/dht-node/internal/nodeid"
)

// metadataSink adapts internal/mqlog.Log to internal/peerwire.MetadataSink
// so a fetched torrent's info dict lands on the append-only log for
// downstream consumers.
type metadataSink struct {
	log    *mqlog.Log
	logger *zap.Logger
}

func (s *metadataSink) RecordMetadata(infoHash nodeid.Id, metadata bencode.Value) {
	wrapped := bencode.Dict(map[string]bencode.Value{
		"info_hash": bencode.String(infoHash[:]),
		"metadata":  metadata,
	})
	if _, err := s.log.Push(metadataTopic, bencode.Encode(wrapped)); err != nil {
		s.logger.Warn("failed to push fetched metadata to log",
			zap.String("infohash", infoHash.String()), zap.Error(err))
	}
}
