package exchange

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Segment kinds inside snapshot.bin.
const (
	segmentKindLedger = "ledger"
	segmentKindBook   = "book"
)

// OrderBookSnapshot contains the resting state of a single OrderBook.
// Terminal orders are not captured; only open interest survives.
type OrderBookSnapshot struct {
	PairID   string  `json:"pair_id"`
	SeqID    uint64  `json:"seq_id"`    // Current BookLog sequence ID
	OrderSeq uint64  `json:"order_seq"` // Arrival sequence counter
	Bids     []Order `json:"bids"`      // Priority order, best price first
	Asks     []Order `json:"asks"`      // Priority order, best price first
}

// LedgerSnapshot is the full account state, sorted by user then token.
type LedgerSnapshot struct {
	Accounts []AccountSnapshot `json:"accounts"`
}

// SnapshotMetadata holds the global metadata for a snapshot (stored in metadata.json).
type SnapshotMetadata struct {
	SchemaVersion    int    `json:"schema_version"`
	Timestamp        int64  `json:"timestamp"` // Unix Nano
	TradeSeq         uint64 `json:"trade_seq"` // Last assigned trade ID
	EngineVersion    string `json:"engine_version"`
	SnapshotChecksum uint32 `json:"snapshot_checksum"` // CRC32 of the entire snapshot.bin file
	StateRoot        string `json:"state_root"`        // Hex SHA3-256 merkle root of the ledger, empty when no accounts
}

// SnapshotFileFooter is the footer structure stored at the end of snapshot.bin.
// Layout: [BinaryData...][FooterJSON][FooterLength(4 bytes)]
type SnapshotFileFooter struct {
	Segments []SnapshotSegment `json:"segments"` // Index of data segments in this file
}

// SnapshotSegment locates one data segment within snapshot.bin.
type SnapshotSegment struct {
	Kind     string `json:"kind"`
	PairID   string `json:"pair_id,omitempty"` // Set when Kind is "book"
	Offset   int64  `json:"offset"`            // Start offset relative to file start
	Length   int64  `json:"length"`            // Length in bytes
	Checksum uint32 `json:"checksum"`          // CRC32 of this segment
}

func calculateFileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// TakeSnapshot captures the ledger and every order book and writes them to
// the specified directory as `snapshot.bin` plus `metadata.json`. Book
// segments are captured through each book's command loop; for a globally
// consistent image, stop submitting orders before calling this.
//
// The write is atomic: data lands in a temporary sibling directory that
// replaces outputDir only after everything is flushed.
func (e *Exchange) TakeSnapshot(ctx context.Context, outputDir string) (*SnapshotMetadata, error) {
	tmpDir := outputDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}

	binPath := filepath.Join(tmpDir, "snapshot.bin")
	binFile, err := os.Create(binPath)
	if err != nil {
		return nil, err
	}

	segments := make([]SnapshotSegment, 0, len(e.books)+1)
	currentOffset := int64(0)

	writeSegment := func(kind, pairID string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		n, err := binFile.Write(data)
		if err != nil {
			return err
		}
		segments = append(segments, SnapshotSegment{
			Kind:     kind,
			PairID:   pairID,
			Offset:   currentOffset,
			Length:   int64(n),
			Checksum: crc32.ChecksumIEEE(data),
		})
		currentOffset += int64(n)
		return nil
	}

	if err := writeSegment(segmentKindLedger, "", &LedgerSnapshot{Accounts: e.ledger.Accounts()}); err != nil {
		binFile.Close()
		return nil, err
	}

	for _, book := range e.books {
		snap, err := book.TakeSnapshot(ctx)
		if err != nil {
			binFile.Close()
			return nil, err
		}
		if err := writeSegment(segmentKindBook, snap.PairID, snap); err != nil {
			binFile.Close()
			return nil, err
		}
	}

	footer := SnapshotFileFooter{Segments: segments}
	footerData, err := json.Marshal(footer)
	if err != nil {
		binFile.Close()
		return nil, err
	}

	if _, err := binFile.Write(footerData); err != nil {
		binFile.Close()
		return nil, err
	}

	// Footer length trailer, 4 bytes big endian.
	if len(footerData) > 4294967295 {
		binFile.Close()
		return nil, errors.New("footer too large")
	}
	footerLen := uint32(len(footerData))
	if err := binary.Write(binFile, binary.BigEndian, footerLen); err != nil {
		binFile.Close()
		return nil, err
	}

	if err := binFile.Sync(); err != nil {
		binFile.Close()
		return nil, err
	}
	if err := binFile.Close(); err != nil {
		return nil, err
	}

	snapshotChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}

	meta := &SnapshotMetadata{
		SchemaVersion:    SnapshotSchemaVersion,
		Timestamp:        time.Now().UnixNano(),
		TradeSeq:         e.tradeSeq.Load(),
		EngineVersion:    EngineVersion,
		SnapshotChecksum: snapshotChecksum,
	}
	if root, ok := e.ledger.StateRoot(); ok {
		meta.StateRoot = encodeStateRoot(root)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}

	metaPath := filepath.Join(tmpDir, "metadata.json")
	if err := os.WriteFile(metaPath, metaBytes, 0600); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(outputDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, outputDir); err != nil {
		return nil, err
	}

	return meta, nil
}

// RestoreFromSnapshot replaces the exchange state with a snapshot taken by
// TakeSnapshot. The exchange must be configured with the same pairs that
// were live when the snapshot was taken; a book segment for an unknown
// pair is an error. Returns the metadata for replay positioning.
func (e *Exchange) RestoreFromSnapshot(ctx context.Context, inputDir string) (*SnapshotMetadata, error) {
	metaPath := filepath.Join(inputDir, "metadata.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, err
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, errors.New("unsupported snapshot schema version")
	}

	binPath := filepath.Join(inputDir, "snapshot.bin")
	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, err
	}
	defer binFile.Close()

	fileChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}
	if fileChecksum != meta.SnapshotChecksum {
		return nil, errors.New("snapshot.bin checksum mismatch")
	}

	stat, err := binFile.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()

	footerLenBytes := make([]byte, 4)
	if _, err := binFile.ReadAt(footerLenBytes, fileSize-4); err != nil {
		return nil, err
	}
	footerLen := binary.BigEndian.Uint32(footerLenBytes)

	footerOffset := fileSize - 4 - int64(footerLen)
	footerBytes := make([]byte, footerLen)
	if _, err := binFile.ReadAt(footerBytes, footerOffset); err != nil {
		return nil, err
	}

	var footer SnapshotFileFooter
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, err
	}

	for _, segment := range footer.Segments {
		segmentData := make([]byte, segment.Length)
		if _, err := binFile.ReadAt(segmentData, segment.Offset); err != nil {
			return nil, err
		}
		if crc32.ChecksumIEEE(segmentData) != segment.Checksum {
			return nil, errors.New("checksum mismatch for segment " + segment.Kind + " " + segment.PairID)
		}

		switch segment.Kind {
		case segmentKindLedger:
			var snap LedgerSnapshot
			if err := json.Unmarshal(segmentData, &snap); err != nil {
				return nil, err
			}
			e.ledger.restore(snap.Accounts)

		case segmentKindBook:
			var snap OrderBookSnapshot
			if err := json.Unmarshal(segmentData, &snap); err != nil {
				return nil, err
			}
			book, ok := e.books[segment.PairID]
			if !ok {
				return nil, errors.New("snapshot references unknown pair " + segment.PairID)
			}
			if err := book.Restore(ctx, &snap); err != nil {
				return nil, err
			}
			// Rebuild the order to pair index for resting orders.
			for i := range snap.Bids {
				e.orderPairs.Store(snap.Bids[i].ID, segment.PairID)
			}
			for i := range snap.Asks {
				e.orderPairs.Store(snap.Asks[i].ID, segment.PairID)
			}

		default:
			return nil, errors.New("unknown snapshot segment kind " + segment.Kind)
		}
	}

	e.tradeSeq.Store(meta.TradeSeq)

	return &meta, nil
}
