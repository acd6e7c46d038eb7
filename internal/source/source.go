// Package source reads discovered files, including members of archive
// containers addressed as "<archive>!/<member>".
package source

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/eargollo/piiscan/internal/store"
)

// Sep separates an archive path from a member name.
const Sep = "!/"

// ErrMemberNotFound is returned when an archive no longer holds a member.
var ErrMemberNotFound = errors.New("archive member not found")

// ArchiveKind is the container format of an archive.
type ArchiveKind int

const (
	NotArchive ArchiveKind = iota
	Zip
	Tar
	TarGz
)

// KindOf classifies p by its name.
func KindOf(p string) ArchiveKind {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return Zip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return TarGz
	case strings.HasSuffix(lower, ".tar"):
		return Tar
	default:
		return NotArchive
	}
}

// Join builds the path of member inside archive.
func Join(archive, member string) string {
	return archive + Sep + member
}

// Split undoes Join. A "!/" only separates a member when the text before
// it names an archive file on disk, so directories whose names end in "!"
// stay plain paths. ok is false for plain filesystem paths.
func Split(p string) (archive, member string, ok bool) {
	for off := 0; ; {
		i := strings.Index(p[off:], Sep)
		if i < 0 {
			return p, "", false
		}
		i += off
		if prefix := p[:i]; KindOf(prefix) != NotArchive && isRegular(prefix) {
			return prefix, p[i+len(Sep):], true
		}
		off = i + len(Sep)
	}
}

func isRegular(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Name returns the base name used for extension lookups. For a member this
// is the member's own name, which is also the last element of its path.
func Name(p string) string {
	return path.Base(p)
}

// cleanMember rejects directory entries and names escaping the archive.
func cleanMember(name string) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." || strings.Contains(name, Sep) {
		return "", false
	}
	return name, true
}

// Members lists the regular files inside archive, at most limit of them.
// Nested archives are listed as members but not expanded further.
func Members(archive string, limit int) ([]store.FileInfo, error) {
	switch KindOf(archive) {
	case Zip:
		return zipMembers(archive, limit)
	case Tar, TarGz:
		var out []store.FileInfo
		err := walkTar(archive, func(hdr *tar.Header, _ io.Reader) (bool, error) {
			if hdr.Typeflag != tar.TypeReg {
				return true, nil
			}
			name, ok := cleanMember(hdr.Name)
			if !ok {
				return true, nil
			}
			out = append(out, store.FileInfo{Path: Join(archive, name), Size: hdr.Size, MTime: hdr.ModTime})
			return len(out) < limit, nil
		})
		return out, err
	default:
		return nil, fmt.Errorf("%s: not an archive", archive)
	}
}

func zipMembers(archive string, limit int) ([]store.FileInfo, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", archive, err)
	}
	defer zr.Close()

	var out []store.FileInfo
	for _, f := range zr.File {
		if len(out) >= limit {
			break
		}
		if !f.Mode().IsRegular() {
			continue
		}
		name, ok := cleanMember(f.Name)
		if !ok {
			continue
		}
		out = append(out, store.FileInfo{
			Path:  Join(archive, name),
			Size:  int64(f.UncompressedSize64),
			MTime: f.Modified,
		})
	}
	return out, nil
}

// walkTar calls fn for each header until fn returns false or an error.
func walkTar(archive string, fn func(*tar.Header, io.Reader) (bool, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if KindOf(archive) == TarGz {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", archive, err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", archive, err)
		}
		more, err := fn(hdr, tr)
		if err != nil || !more {
			return err
		}
	}
}

// ReadAll returns the content of p, a plain path or an archive member.
// Content longer than limit bytes is an error.
func ReadAll(p string, limit int64) ([]byte, error) {
	archive, member, ok := Split(p)
	if !ok {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return readLimited(f, limit)
	}

	switch KindOf(archive) {
	case Zip:
		zr, err := zip.OpenReader(archive)
		if err != nil {
			return nil, fmt.Errorf("open zip %s: %w", archive, err)
		}
		defer zr.Close()
		for _, f := range zr.File {
			if name, ok := cleanMember(f.Name); ok && name == member {
				rc, err := f.Open()
				if err != nil {
					return nil, fmt.Errorf("open member %s: %w", p, err)
				}
				defer rc.Close()
				return readLimited(rc, limit)
			}
		}
		return nil, fmt.Errorf("%s: %w", p, ErrMemberNotFound)
	case Tar, TarGz:
		var data []byte
		found := false
		err := walkTar(archive, func(hdr *tar.Header, r io.Reader) (bool, error) {
			if name, ok := cleanMember(hdr.Name); !ok || name != member || hdr.Typeflag != tar.TypeReg {
				return true, nil
			}
			found = true
			var err error
			data, err = readLimited(r, limit)
			return false, err
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%s: %w", p, ErrMemberNotFound)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%s: unsupported archive", p)
	}
}

// ErrTooLong is returned by ReadAll when content exceeds its limit.
var ErrTooLong = errors.New("content exceeds size limit")

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLong
	}
	return data, nil
}
