package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// blockSize is the Dropbox content-hash block size: each 4 MiB block of the
// file is hashed independently, and the concatenation of those digests is
// hashed once more to produce the final content hash.
const blockSize = 4 * 1024 * 1024

// HashFile computes the remote-compatible content hash of a local file:
// SHA-256 of each 4 MiB block, concatenated in order, SHA-256 of that
// concatenation, hex-encoded. Directories hash to FolderHash. A file that
// disappears mid-read returns ErrVanishedFile so callers can drop the event
// rather than fail the batch.
func HashFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrVanishedFile
		}
		return "", &RemoteError{Kind: ErrTempIO, Err: err}
	}
	if info.IsDir() {
		return FolderHash, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrVanishedFile
		}
		return "", &RemoteError{Kind: ErrTempIO, Err: err}
	}
	defer f.Close()

	overall := sha256.New()
	buf := make([]byte, blockSize)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			block := sha256.Sum256(buf[:n])
			overall.Write(block[:])
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				return "", ErrVanishedFile
			}
			return "", &RemoteError{Kind: ErrTempIO, Err: readErr}
		}
	}

	return hex.EncodeToString(overall.Sum(nil)), nil
}

// IsFolderHash reports whether a content hash is the folder sentinel.
func IsFolderHash(hash string) bool { return hash == FolderHash }
