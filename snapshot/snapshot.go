// Package snapshot serializes a collection's records and configuration to
// a blob store for backup and restore. Snapshots are point-in-time: the
// caller is responsible for quiescing writes around the export.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/g4mm4p4nd4/op-observe/blobstore"
	"github.com/g4mm4p4nd4/op-observe/record"
)

var magic = [8]byte{'O', 'P', 'S', 'N', 'A', 'P', '0', '1'}

var (
	// ErrBadMagic is returned when the blob is not a snapshot.
	ErrBadMagic = errors.New("snapshot: bad magic")

	// ErrChecksum is returned when the body fails CRC verification.
	ErrChecksum = errors.New("snapshot: checksum mismatch")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Snapshot is the serialized form of one collection.
type Snapshot struct {
	Collection string
	Dimension  int
	Metric     string
	CreatedAt  time.Time
	Records    []record.Record
}

// Write serializes the snapshot to w: a fixed header, the CRC of the
// uncompressed body, then the compressed body.
func Write(w io.Writer, snap *Snapshot, codec Codec) error {
	var body bytes.Buffer
	if err := encodeBody(&body, snap); err != nil {
		return err
	}
	sum := crc32.Checksum(body.Bytes(), crcTable)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(codec)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, sum); err != nil {
		return err
	}

	cw, err := compressor(codec, bw)
	if err != nil {
		return err
	}
	if _, err := cw.Write(body.Bytes()); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Read parses a snapshot written by Write, verifying the checksum.
func Read(r io.Reader) (*Snapshot, error) {
	var header [13]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}
	if !bytes.Equal(header[:8], magic[:]) {
		return nil, ErrBadMagic
	}
	codec := Codec(header[8])
	wantSum := binary.LittleEndian.Uint32(header[9:13])

	dr, release, err := decompressor(codec, r)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read body: %w", err)
	}
	if crc32.Checksum(body, crcTable) != wantSum {
		return nil, ErrChecksum
	}

	return decodeBody(bytes.NewReader(body))
}

func encodeBody(w *bytes.Buffer, snap *Snapshot) error {
	writeString(w, snap.Collection)
	writeString(w, snap.Metric)
	writeUint64(w, uint64(snap.Dimension))
	writeUint64(w, uint64(snap.CreatedAt.UnixNano()))
	writeUint64(w, uint64(len(snap.Records)))

	for i := range snap.Records {
		rec := &snap.Records[i]
		if len(rec.Vector) != snap.Dimension {
			return fmt.Errorf("snapshot: record %q has dimension %d, want %d",
				rec.ID, len(rec.Vector), snap.Dimension)
		}

		writeString(w, rec.ID)
		writeUint64(w, rec.Version)
		if rec.Deleted {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
		for _, f := range rec.Vector {
			writeUint32(w, math.Float32bits(f))
		}

		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("snapshot: marshal payload for %q: %w", rec.ID, err)
		}
		writeString(w, string(payload))
	}
	return nil
}

func decodeBody(r *bytes.Reader) (*Snapshot, error) {
	snap := &Snapshot{}

	var err error
	if snap.Collection, err = readString(r); err != nil {
		return nil, err
	}
	if snap.Metric, err = readString(r); err != nil {
		return nil, err
	}

	dim, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	snap.Dimension = int(dim)

	createdAt, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	snap.CreatedAt = time.Unix(0, int64(createdAt)).UTC()

	count, err := readUint64(r)
	if err != nil {
		return nil, err
	}

	snap.Records = make([]record.Record, 0, count)
	for i := uint64(0); i < count; i++ {
		var rec record.Record
		if rec.ID, err = readString(r); err != nil {
			return nil, err
		}
		if rec.Version, err = readUint64(r); err != nil {
			return nil, err
		}
		deleted, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rec.Deleted = deleted == 1

		rec.Vector = make([]float32, snap.Dimension)
		for j := range rec.Vector {
			bits, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			rec.Vector[j] = math.Float32frombits(bits)
		}

		payload, err := readString(r)
		if err != nil {
			return nil, err
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("snapshot: unmarshal payload for %q: %w", rec.ID, err)
			}
		}

		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// Manager names and stores snapshots in a blob store under
// <collection>/<RFC3339 timestamp>.snap.
type Manager struct {
	store blobstore.Store
	codec Codec
}

// NewManager creates a manager writing with the codec.
func NewManager(store blobstore.Store, codec Codec) *Manager {
	return &Manager{store: store, codec: codec}
}

// Save exports the snapshot and returns the blob name.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) (string, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	name := path.Join(snap.Collection,
		snap.CreatedAt.UTC().Format("20060102T150405.000000000Z")+".snap")

	var buf bytes.Buffer
	if err := Write(&buf, snap, m.codec); err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, name, &buf); err != nil {
		return "", err
	}
	return name, nil
}

// Load reads the named snapshot.
func (m *Manager) Load(ctx context.Context, name string) (*Snapshot, error) {
	rc, err := m.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Read(rc)
}

// Latest returns the most recent snapshot name for the collection, or
// blobstore.ErrNotFound when none exist.
func (m *Manager) Latest(ctx context.Context, collection string) (string, error) {
	names, err := m.store.List(ctx, collection+"/")
	if err != nil {
		return "", err
	}
	for i := len(names) - 1; i >= 0; i-- {
		if strings.HasSuffix(names[i], ".snap") {
			return names[i], nil
		}
	}
	return "", blobstore.ErrNotFound
}

func writeString(w *bytes.Buffer, s string) {
	writeUint64(w, uint64(len(s)))
	w.WriteString(s)
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("snapshot: truncated string of length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
