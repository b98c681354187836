package workspace

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// per-member cap against decompression bombs
const maxDecompressSize = 10 * 1024 * 1024 * 1024 // 10 GB

// ExtractArchive detects the format of archivePath (tar, tar.gz or zip) and
// extracts it under destDir. Unrecognized file types are copied in verbatim.
//
// Extraction enforces containment: every produced member must resolve under
// destDir. A member using an absolute path or parent traversal fails the
// whole operation with a workspace error and leaves no partial extraction
// visible: members are written to a staging directory that only replaces
// destDir's contents once the archive has been consumed cleanly.
func (m *Manager) ExtractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return WrapError(err, "opening archive %s", archivePath)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return WrapError(err, "reading archive header")
	}
	header = header[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return WrapError(err, "rewinding archive")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return WrapError(err, "creating destination %s", destDir)
	}

	staging, err := os.MkdirTemp(filepath.Dir(destDir), ".extract-")
	if err != nil {
		return WrapError(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	switch {
	case isGzip(header):
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return WrapError(err, "reading gzip stream from %s", archivePath)
		}
		defer gzr.Close()
		err = extractTar(tar.NewReader(gzr), staging)
		if err != nil {
			return err
		}
	case isTar(header):
		if err := extractTar(tar.NewReader(f), staging); err != nil {
			return err
		}
	case isZip(header):
		if err := extractZip(archivePath, staging); err != nil {
			return err
		}
	default:
		// not an archive; keep the upload as-is
		return copyFile(archivePath, filepath.Join(destDir, filepath.Base(archivePath)), 0o644)
	}

	return promoteStaging(staging, destDir)
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func isZip(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], []byte("PK\x03\x04"))
}

func isTar(b []byte) bool {
	return len(b) >= 262 && bytes.Equal(b[257:262], []byte("ustar"))
}

// securePath resolves a member name under dir, rejecting absolute paths and
// parent traversal.
func securePath(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", NewError("unsafe archive member %q: absolute path", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", NewError("unsafe archive member %q: escapes destination", name)
	}
	return filepath.Join(dir, clean), nil
}

func extractTar(tr *tar.Reader, dir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return WrapError(err, "reading tar member")
		}
		target, err := securePath(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return WrapError(err, "creating directory %s", hdr.Name)
			}
		case tar.TypeReg:
			if hdr.Size > maxDecompressSize {
				return NewError("archive member %q too large", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return WrapError(err, "creating parent of %s", hdr.Name)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0o600)
			if err != nil {
				return WrapError(err, "creating %s", hdr.Name)
			}
			if _, err := io.CopyN(out, tr, hdr.Size); err != nil && err != io.EOF {
				out.Close()
				return WrapError(err, "writing %s", hdr.Name)
			}
			out.Close()
		default:
			// symlinks and specials are dropped: a link target can point
			// outside the workspace even when the member path is safe
		}
	}
}

func extractZip(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return WrapError(err, "opening zip %s", archivePath)
	}
	defer zr.Close()

	for _, member := range zr.File {
		target, err := securePath(dir, member.Name)
		if err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, member.Mode().Perm()|0o700); err != nil {
				return WrapError(err, "creating directory %s", member.Name)
			}
			continue
		}
		if !member.FileInfo().Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return WrapError(err, "creating parent of %s", member.Name)
		}
		in, err := member.Open()
		if err != nil {
			return WrapError(err, "opening zip member %s", member.Name)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, member.Mode().Perm()|0o600)
		if err != nil {
			in.Close()
			return WrapError(err, "creating %s", member.Name)
		}
		_, err = io.Copy(out, io.LimitReader(in, maxDecompressSize))
		in.Close()
		out.Close()
		if err != nil {
			return WrapError(err, "writing %s", member.Name)
		}
	}
	return nil
}

// renameFile is swapped out in tests to exercise the copy fallback.
var renameFile = os.Rename

// promoteStaging moves every top-level entry of staging into destDir.
func promoteStaging(staging, destDir string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return WrapError(err, "reading staging directory")
	}
	for _, entry := range entries {
		src := filepath.Join(staging, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		if err := os.RemoveAll(dst); err != nil {
			return WrapError(err, "replacing %s", dst)
		}
		if err := renameFile(src, dst); err != nil {
			// staging may live on another filesystem than destDir
			if mvErr := mergeTree(src, dst); mvErr != nil {
				return WrapError(mvErr, "moving %s into place after rename failed (%s)", entry.Name(), err)
			}
		}
	}
	return nil
}
