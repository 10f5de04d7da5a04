package indexer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/minio/blake2b-simd"
	"google.golang.org/protobuf/encoding/protowire"
)

// FileMeta is the value of a file's register.
type FileMeta struct {
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	// Hash is the blake2b-256 of the content.
	Hash [32]byte
}

// Marshal encodes m as protobuf:
//
//	FileMeta { 1: size, 2: mode, 3: mtime unix nanoseconds, 4: hash }
func (m FileMeta) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Size))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mode))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.ModTime.UnixNano()))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Hash[:])
	return b
}

// UnmarshalFileMeta decodes what Marshal encoded.
func UnmarshalFileMeta(b []byte) (FileMeta, error) {
	var m FileMeta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return FileMeta{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return FileMeta{}, protowire.ParseError(n)
			}
			if len(v) != len(m.Hash) {
				return FileMeta{}, fmt.Errorf("file hash is %d bytes", len(v))
			}
			copy(m.Hash[:], v)
			b = b[n:]
		case num >= 1 && num <= 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return FileMeta{}, protowire.ParseError(n)
			}
			switch num {
			case 1:
				m.Size = int64(v)
			case 2:
				m.Mode = fs.FileMode(v)
			case 3:
				m.ModTime = time.Unix(0, protowire.DecodeZigZag(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return FileMeta{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// sameStat reports whether size, mode and modification time match, in
// which case the content is assumed unchanged.
func (m FileMeta) sameStat(info fs.FileInfo) bool {
	return m.Size == info.Size() && m.Mode == info.Mode() && m.ModTime.Equal(info.ModTime())
}

var errIsDir = errors.New("is a directory")

// Stat reads the metadata of the file at path, hashing its content.
func Stat(path string) (FileMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMeta{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return FileMeta{}, err
	}
	if info.IsDir() {
		return FileMeta{}, fmt.Errorf("%s: %w", path, errIsDir)
	}
	h := blake2b.New256()
	if _, err := io.Copy(h, f); err != nil {
		return FileMeta{}, fmt.Errorf("hash %s: %w", path, err)
	}
	m := FileMeta{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime()}
	copy(m.Hash[:], h.Sum(nil))
	return m, nil
}
