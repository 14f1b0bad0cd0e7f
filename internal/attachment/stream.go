package attachment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

// DefaultStreamChunkSize is the streaming-mode chunk size, smaller than
// whole-file mode so interactive transfers stay responsive.
const DefaultStreamChunkSize = 256 * 1024

// streamMagic opens a stream; each record is
// {4-byte BE plaintext length}{12-byte nonce}{ciphertext+tag}, and a
// zero-length record terminates the stream.
var streamMagic = []byte("SSTR\x01")

// EncryptStream seals src into dst chunk by chunk. The context is checked
// before each chunk so a cancelled transfer stops promptly; on any error
// the output is truncated mid-record and will not decrypt.
func EncryptStream(ctx context.Context, key *Key, dst io.Writer, src io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultStreamChunkSize
	}
	if _, err := dst.Write(streamMagic); err != nil {
		return fmt.Errorf("write stream header: %w", err)
	}

	buf := make([]byte, chunkSize)
	defer memzero.Zero(buf)
	var index uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := writeRecord(dst, key, buf[:n], index); err != nil {
				return err
			}
			index++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read plaintext: %w", rerr)
		}
	}
	// Terminator record: authenticated empty chunk, so truncating the
	// stream after the last data chunk is still detected.
	return writeRecord(dst, key, nil, index)
}

// DecryptStream opens a stream produced by EncryptStream, writing
// plaintext to dst. Corruption in any chunk or a missing terminator
// aborts with an error; no plaintext past the error boundary is written.
func DecryptStream(ctx context.Context, key *Key, dst io.Writer, src io.Reader) error {
	hdr := make([]byte, len(streamMagic))
	if _, err := io.ReadFull(src, hdr); err != nil {
		return fmt.Errorf("%w: missing stream header", domain.ErrBadFormat)
	}
	if string(hdr) != string(streamMagic) {
		return fmt.Errorf("%w: bad stream header", domain.ErrBadFormat)
	}

	var index uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pt, last, err := readRecord(src, key, index)
		if err != nil {
			return err
		}
		if last {
			return nil
		}
		_, werr := dst.Write(pt)
		memzero.Zero(pt)
		if werr != nil {
			return fmt.Errorf("write plaintext: %w", werr)
		}
		index++
	}
}

func writeRecord(dst io.Writer, key *Key, chunk []byte, index uint32) error {
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return err
	}
	ct, err := crypto.Seal(key.Bytes, nonce, chunk, chunkAD(index))
	if err != nil {
		return err
	}
	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(chunk)))
	if _, err := dst.Write(lenField[:]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := dst.Write(nonce); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := dst.Write(ct); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func readRecord(src io.Reader, key *Key, index uint32) (pt []byte, last bool, err error) {
	var lenField [4]byte
	if _, err := io.ReadFull(src, lenField[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("%w: stream ended without terminator", domain.ErrBadFormat)
		}
		return nil, false, fmt.Errorf("%w: truncated stream record", domain.ErrBadFormat)
	}
	ptLen := binary.BigEndian.Uint32(lenField[:])
	if ptLen > MaxChunkSize {
		return nil, false, fmt.Errorf("%w: stream chunk of %d bytes exceeds limit", domain.ErrBadFormat, ptLen)
	}

	rec := make([]byte, crypto.NonceSize+int(ptLen)+crypto.TagSize)
	if _, err := io.ReadFull(src, rec); err != nil {
		return nil, false, fmt.Errorf("%w: truncated stream record", domain.ErrBadFormat)
	}
	pt, err = crypto.Open(key.Bytes, rec[:crypto.NonceSize], rec[crypto.NonceSize:], chunkAD(index))
	if err != nil {
		return nil, false, err
	}
	if ptLen == 0 {
		return nil, true, nil
	}
	return pt, false, nil
}
