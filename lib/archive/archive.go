/*
 * Vitals
 * Copyright (C) 2025  OpenVitals
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package archive validates uploaded health exports and extracts the inner
// XML document from zip archives.
//
// Uploads are stored on disk keyed by batch id so a batch can be reprocessed
// later without re-uploading the file.
package archive

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/openvitals/vitals/lib/defaults"
)

// RootCloseTag terminates a complete export document. Exports interrupted on
// the phone are missing it.
const RootCloseTag = "</HealthData>"

var (
	// ErrInputTooLarge is returned when an upload stream exceeds the
	// configured size cap.
	ErrInputTooLarge = errors.New("input exceeds the maximum allowed size")

	// ErrUnsupportedInput is returned for file extensions other than
	// .xml and .zip.
	ErrUnsupportedInput = errors.New("unsupported input type")

	// ErrArchiveMalformed is returned for unreadable archives and for
	// archives carrying path-traversal entries.
	ErrArchiveMalformed = errors.New("archive is malformed")

	// ErrInputTruncated is returned when the XML document is missing the
	// root closing tag.
	ErrInputTruncated = errors.New("export file is truncated")
)

// StoreUpload streams r to <dir>/<name><ext>, enforcing maxSize. The partial
// file is removed when the cap is exceeded. A non-positive maxSize falls back
// to defaults.MaxUploadSize.
func StoreUpload(r io.Reader, dir, name, ext string, maxSize int64) (string, error) {
	ext = strings.ToLower(ext)
	if ext != ".xml" && ext != ".zip" {
		return "", trace.Wrap(ErrUnsupportedInput, "extension %q", ext)
	}
	if maxSize <= 0 {
		maxSize = defaults.MaxUploadSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", trace.ConvertSystemError(err)
	}

	path := filepath.Join(dir, name+ext)
	out, err := os.Create(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}

	// Copy one byte over the cap so an exactly-at-cap stream is accepted
	// and anything longer is detected without reading the remainder.
	n, err := io.Copy(out, io.LimitReader(r, maxSize+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", trace.ConvertSystemError(err)
	}
	if n > maxSize {
		os.Remove(path)
		return "", trace.Wrap(ErrInputTooLarge, "upload exceeds %d bytes", maxSize)
	}
	return path, nil
}

// Prepare validates the stored upload at path and returns the XML document to
// parse: the file itself for .xml uploads, the extracted member for .zip.
func Prepare(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		if err := VerifyComplete(path); err != nil {
			return "", trace.Wrap(err)
		}
		return path, nil
	case ".zip":
		xmlPath, err := ExtractXML(path)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if err := VerifyComplete(xmlPath); err != nil {
			return "", trace.Wrap(err)
		}
		return xmlPath, nil
	default:
		return "", trace.Wrap(ErrUnsupportedInput, "extension %q", filepath.Ext(path))
	}
}

// ExtractXML extracts all members of the archive into a directory named
// after the archive stem and returns the path of the export XML member:
// a member ending in "export.xml" (case-insensitive) when present, the first
// .xml member otherwise.
func ExtractXML(zipPath string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", trace.Wrap(ErrArchiveMalformed, "opening %v: %v", filepath.Base(zipPath), err)
	}
	defer zr.Close()

	extractDir := strings.TrimSuffix(zipPath, filepath.Ext(zipPath))

	var candidate string
	for _, f := range zr.File {
		// Reject zip-slip entries before anything touches the disk.
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return "", trace.Wrap(ErrArchiveMalformed, "entry %q escapes the extraction root", f.Name)
		}
		name := strings.ToLower(f.Name)
		if !strings.HasSuffix(name, ".xml") {
			continue
		}
		if strings.HasSuffix(name, "export.xml") {
			if candidate == "" || !strings.HasSuffix(strings.ToLower(candidate), "export.xml") {
				candidate = f.Name
			}
		} else if candidate == "" {
			candidate = f.Name
		}
	}
	if candidate == "" {
		return "", trace.Wrap(ErrArchiveMalformed, "no XML file found in archive")
	}

	for _, f := range zr.File {
		if err := extractMember(extractDir, f); err != nil {
			return "", trace.Wrap(err)
		}
	}
	return filepath.Join(extractDir, filepath.FromSlash(candidate)), nil
}

func extractMember(extractDir string, f *zip.File) error {
	target := filepath.Join(extractDir, filepath.FromSlash(f.Name))
	if f.FileInfo().IsDir() {
		return trace.ConvertSystemError(os.MkdirAll(target, 0o755))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	src, err := f.Open()
	if err != nil {
		return trace.Wrap(ErrArchiveMalformed, "reading entry %q: %v", f.Name, err)
	}
	defer src.Close()
	dst, err := os.Create(target)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return trace.Wrap(ErrArchiveMalformed, "extracting entry %q: %v", f.Name, err)
	}
	return nil
}

// VerifyComplete reads the final defaults.TailProbeSize bytes of the file and
// confirms the root closing tag is present.
func VerifyComplete(xmlPath string) error {
	f, err := os.Open(xmlPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	probe := int64(defaults.TailProbeSize)
	if fi.Size() < probe {
		probe = fi.Size()
	}
	tail := make([]byte, probe)
	if probe > 0 {
		if _, err := f.ReadAt(tail, fi.Size()-probe); err != nil && err != io.EOF {
			return trace.ConvertSystemError(err)
		}
	}
	if !strings.Contains(string(tail), RootCloseTag) {
		return trace.Wrap(ErrInputTruncated, "missing %s closing tag", RootCloseTag)
	}
	return nil
}

// Locate finds the XML document for a previously stored batch, re-extracting
// the stored zip when only the archive remains on disk. Used by reprocess.
func Locate(uploadDir, batchID string) (string, error) {
	extractDir := filepath.Join(uploadDir, batchID)
	if xmlPath := findExtracted(extractDir); xmlPath != "" {
		return xmlPath, nil
	}
	if zipPath := filepath.Join(uploadDir, batchID+".zip"); fileExists(zipPath) {
		xmlPath, err := ExtractXML(zipPath)
		return xmlPath, trace.Wrap(err)
	}
	if xmlPath := filepath.Join(uploadDir, batchID+".xml"); fileExists(xmlPath) {
		return xmlPath, nil
	}
	return "", trace.NotFound("no stored export file found for batch %v", batchID)
}

func findExtracted(extractDir string) string {
	var exportXML, anyXML string
	filepath.WalkDir(extractDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if name == "export.xml" && exportXML == "" {
			exportXML = path
		} else if strings.HasSuffix(name, ".xml") && anyXML == "" {
			anyXML = path
		}
		return nil
	})
	if exportXML != "" {
		return exportXML
	}
	return anyXML
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
