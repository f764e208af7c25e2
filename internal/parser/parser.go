package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"DistDegree/internal/types"
)

// CommentPrefix marks input lines that are skipped entirely.
const CommentPrefix = "#"

// SplitShards cuts the input file into raw byte ranges of at most shardSize
// bytes. Ranges are disjoint and cover the file exactly; Scan snaps them to
// record boundaries so no edge is split, dropped, or double-counted.
func SplitShards(path string, shardSize int64) ([]types.Shard, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be > 0, got %d", shardSize)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input %s: %w", path, err)
	}

	size := info.Size()
	var shards []types.Shard
	for off := int64(0); off < size; off += shardSize {
		length := shardSize
		if off+length > size {
			length = size - off
		}
		shards = append(shards, types.Shard{Path: path, Offset: off, Length: length})
	}
	return shards, nil
}

// Scan reads the edge records belonging to one shard and invokes fn for
// each. A record belongs to the shard that contains its first byte: a
// partial line at the start of the range is the tail of the previous
// shard's last record and is skipped, and the final record is read past the
// range end until its terminator. Malformed lines are counted in the
// returned stats with the first occurrence kept; they do not stop the scan.
// An error returned by fn aborts the scan and is returned as-is.
func Scan(shard types.Shard, fn func(types.EdgeRecord) error) (types.MapStats, *types.MalformedRecordError, error) {
	var stats types.MapStats
	var firstMalformed *types.MalformedRecordError

	f, err := os.Open(shard.Path)
	if err != nil {
		return stats, nil, fmt.Errorf("failed to open shard %s: %w", shard.Path, err)
	}
	defer f.Close()

	pos := shard.Offset
	if pos > 0 {
		// Start one byte early: if that byte is the previous record's
		// terminator nothing real is discarded, otherwise the partial
		// line belongs to the previous shard.
		pos--
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return stats, nil, fmt.Errorf("failed to seek shard %s@%d: %w", shard.Path, pos, err)
	}

	r := bufio.NewReader(f)

	if shard.Offset > 0 {
		skipped, err := r.ReadString('\n')
		pos += int64(len(skipped))
		if err == io.EOF {
			return stats, nil, nil
		}
		if err != nil {
			return stats, nil, fmt.Errorf("failed to read shard %s: %w", shard.Path, err)
		}
	}

	end := shard.Offset + shard.Length
	for pos < end {
		line, err := r.ReadString('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return stats, firstMalformed, fmt.Errorf("failed to read shard %s: %w", shard.Path, err)
		}

		lineStart := pos
		pos += int64(len(line))

		text := strings.TrimRight(line, "\r\n")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, CommentPrefix) {
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) != 2 {
			stats.Malformed++
			if firstMalformed == nil {
				firstMalformed = &types.MalformedRecordError{
					Path:   shard.Path,
					Offset: lineStart,
					Text:   text,
				}
			}
			continue
		}

		stats.Records++
		rec := types.EdgeRecord{From: types.NodeID(fields[0]), To: types.NodeID(fields[1])}
		if err := fn(rec); err != nil {
			return stats, firstMalformed, err
		}
	}

	return stats, firstMalformed, nil
}
