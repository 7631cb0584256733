package matrix

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Artifact names inside a bucket directory.
const (
	KeyMapFile = "keymap.cbor"
	ScoresFile = "scores.bin"
)

// Score file format: bibauthor-matrix v2
// Header: magic(8) + version(4) + slots(8) + codec(1) + payloadLen(8) + keymap(32) + blake3(32)
// Payload: slots little-endian float64 values, raw or compressed per codec.
// keymap is the blake3 of the key map file the scores were saved with; the
// trailing digest covers the uncompressed array.
const (
	scoresMagic      = "BAMTRX02"
	scoresHeaderSize = 8 + 4 + 8 + 1 + 8 + 32 + 32
)

// Codec selects how the score array is compressed on disk.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts "none", "lz4" or "zstd" (empty means none).
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unknown codec %q (use: none, lz4, zstd)", s)
	}
}

// keyMapRecord lists keys in position order.
type keyMapRecord struct {
	Version   int      `cbor:"1,keyasint"`
	CreatedAt int64    `cbor:"2,keyasint"`
	Keys      []string `cbor:"3,keyasint"`
}

var keyMapEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Save writes both artifacts into dir, scores first. The score header carries
// the digest of the key map it belongs to, so a key map left over from an
// earlier save never loads against newer scores.
func (m *Matrix) Save(dir string, codec Codec) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating matrix dir: %w", err)
	}

	rec := keyMapRecord{
		Version:   m.version,
		CreatedAt: m.createdAt.UnixNano(),
		Keys:      make([]string, len(m.keys)),
	}
	for i, k := range m.keys {
		rec.Keys[i] = k.String()
	}
	keyMap, err := keyMapEncMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding key map: %w", err)
	}

	scores, err := m.encodeScores(codec, blake3.Sum256(keyMap))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, ScoresFile), scores); err != nil {
		return fmt.Errorf("writing scores: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, KeyMapFile), keyMap); err != nil {
		return fmt.Errorf("writing key map: %w", err)
	}
	return nil
}

func (m *Matrix) encodeScores(codec Codec, keyMapDigest [32]byte) ([]byte, error) {
	raw := make([]byte, 8*len(m.cells))
	for i, c := range m.cells {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(c.encode()))
	}
	digest := blake3.Sum256(raw)

	payload, codec, err := compress(raw, codec)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(scoresHeaderSize + len(payload))
	buf.WriteString(scoresMagic)
	_ = binary.Write(&buf, binary.LittleEndian, int32(m.version))
	_ = binary.Write(&buf, binary.LittleEndian, int64(len(m.cells)))
	buf.WriteByte(byte(codec))
	_ = binary.Write(&buf, binary.LittleEndian, int64(len(payload)))
	buf.Write(keyMapDigest[:])
	buf.Write(digest[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Load restores a matrix saved by Save. expectedVersion is the format version
// the running code understands; a mismatch, or a negative version on either
// side, yields ErrStale.
func Load(dir string, expectedVersion int) (*Matrix, error) {
	data, err := os.ReadFile(filepath.Join(dir, KeyMapFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading key map: %v", ErrCorrupt, err)
	}

	var rec keyMapRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding key map: %v", ErrCorrupt, err)
	}
	if rec.Version < 0 || expectedVersion < 0 || rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrStale, rec.Version, expectedVersion)
	}

	keys := make([]bibref.BibRef, len(rec.Keys))
	for i, text := range rec.Keys {
		ref, err := bibref.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%w: key map position %d: %v", ErrCorrupt, i, err)
		}
		keys[i] = ref
	}

	m, err := New(keys, time.Unix(0, rec.CreatedAt), rec.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	f, err := os.Open(filepath.Join(dir, ScoresFile))
	if err != nil {
		return nil, fmt.Errorf("%w: opening scores: %v", ErrCorrupt, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat scores: %v", ErrCorrupt, err)
	}
	if err := m.decodeScores(f, fi.Size(), blake3.Sum256(data)); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeScores reads a score file of size bytes saved with the key map whose
// digest is keyMapDigest.
func (m *Matrix) decodeScores(r io.Reader, size int64, keyMapDigest [32]byte) error {
	header := make([]byte, scoresHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: reading scores header: %v", ErrCorrupt, err)
	}
	if string(header[:8]) != scoresMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrCorrupt, string(header[:8]))
	}

	version := int32(binary.LittleEndian.Uint32(header[8:]))
	slots := int64(binary.LittleEndian.Uint64(header[12:]))
	codec := Codec(header[20])
	payloadLen := int64(binary.LittleEndian.Uint64(header[21:]))
	var stamp, digest [32]byte
	copy(stamp[:], header[29:61])
	copy(digest[:], header[61:])

	if int(version) != m.version {
		return fmt.Errorf("%w: scores version %d, key map version %d", ErrStale, version, m.version)
	}
	if slots != int64(len(m.cells)) {
		return fmt.Errorf("%w: scores hold %d slots, key map needs %d", ErrCorrupt, slots, len(m.cells))
	}
	if stamp != keyMapDigest {
		return fmt.Errorf("%w: scores were saved with a different key map", ErrCorrupt)
	}

	rawLen := 8 * len(m.cells)
	bound, err := maxPayload(codec, rawLen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if payloadLen < 0 || payloadLen > bound || payloadLen != size-scoresHeaderSize {
		return fmt.Errorf("%w: payload length %d (file %d bytes, bound %d)", ErrCorrupt, payloadLen, size, bound)
	}
	if codec == CodecNone && payloadLen != int64(rawLen) {
		return fmt.Errorf("%w: raw payload is %d bytes, want %d", ErrCorrupt, payloadLen, rawLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: reading payload: %v", ErrCorrupt, err)
	}

	raw, err := decompress(payload, codec, rawLen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if blake3.Sum256(raw) != digest {
		return fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	for i := range m.cells {
		v := math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		c, ok := decodeCell(v)
		if !ok {
			return fmt.Errorf("%w: slot %d holds %v", ErrCorrupt, i, v)
		}
		m.cells[i] = c
	}
	return nil
}

// Remove deletes both artifacts from dir. Missing files are not an error.
func Remove(dir string) error {
	for _, name := range []string{KeyMapFile, ScoresFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	return nil
}

// maxPayload bounds the stored size of a rawLen-byte array under codec.
func maxPayload(codec Codec, rawLen int) (int64, error) {
	switch codec {
	case CodecNone:
		return int64(rawLen), nil
	case CodecLZ4:
		return int64(lz4.CompressBlockBound(rawLen)), nil
	case CodecZstd:
		// Stored blocks plus frame overhead.
		return int64(rawLen + rawLen>>8 + 1<<10), nil
	default:
		return 0, fmt.Errorf("unknown codec %d", uint8(codec))
	}
}

func compress(raw []byte, codec Codec) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return raw, CodecNone, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, codec, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible
			return raw, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, codec, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), CodecZstd, nil
	default:
		return nil, codec, fmt.Errorf("unknown codec %d", uint8(codec))
	}
}

func decompress(payload []byte, codec Codec, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("raw payload is %d bytes, want %d", len(payload), rawLen)
		}
		return payload, nil
	case CodecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("decompressed size mismatch")
		}
		return out, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %d", uint8(codec))
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
