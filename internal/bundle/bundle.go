// Package bundle appends a script library to the modns binary as a ZIP archive
// and serves it back as an fs.FS, so a single executable carries its modules.
package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// MagicMarker identifies bundled binaries
	MagicMarker = "MODNSLIB"
	// FooterSize: 8 bytes offset + 8 bytes size + 8 bytes magic
	FooterSize = 24
	// maxLinkDepth bounds symlink chains inside a bundle
	maxLinkDepth = 8
)

// ErrNotBundled is returned when a binary carries no script bundle.
var ErrNotBundled = errors.New("binary is not bundled")

// Footer contains metadata about the bundled ZIP
type Footer struct {
	Offset int64   // Offset to start of ZIP data
	Size   int64   // Size of ZIP data
	Magic  [8]byte // "MODNSLIB"
}

// CreateBundle writes outputPath: the executable portion of sourceBinary
// followed by a ZIP of scriptDir and a footer. Files matching an ignore glob
// (doublestar syntax, relative to scriptDir) are left out.
func CreateBundle(sourceBinary, scriptDir, outputPath string, ignore []string) error {
	// Get the size of the executable portion (excluding any existing bundle)
	binarySize, err := GetBinarySize(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to get binary size: %w", err)
	}

	srcFile, err := os.Open(sourceBinary)
	if err != nil {
		return fmt.Errorf("failed to open source binary: %w", err)
	}
	defer srcFile.Close()

	// Build the ZIP first so a bad script tree leaves no output behind
	var zipBuf bytes.Buffer
	zipWriter := zip.NewWriter(&zipBuf)
	if err := addDirToZip(zipWriter, scriptDir, ignore); err != nil {
		zipWriter.Close()
		return fmt.Errorf("failed to add files to ZIP: %w", err)
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close ZIP writer: %w", err)
	}

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	// Copy only the executable portion (without any existing bundle)
	if _, err := io.CopyN(outFile, srcFile, binarySize); err != nil {
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if _, err := outFile.Write(zipBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write ZIP data: %w", err)
	}

	footer := Footer{Offset: binarySize, Size: int64(zipBuf.Len())}
	copy(footer.Magic[:], MagicMarker)
	if err := binary.Write(outFile, binary.LittleEndian, footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return nil
}

// ignored matches a slash-separated relative path against doublestar globs.
func ignored(rel string, ignore []string) bool {
	for _, pattern := range ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// addDirToZip recursively adds directory contents to ZIP, preserving relative symlinks
func addDirToZip(zipWriter *zip.Writer, sourceDir string, ignore []string) error {
	absSourceDir, err := filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of source: %w", err)
	}

	return filepath.WalkDir(sourceDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(sourceDir, filePath)
		if err != nil {
			return err
		}
		zipPath := filepath.ToSlash(relPath)

		if d.IsDir() {
			// A directory is skipped when a file directly inside it would be
			if zipPath != "." && (ignored(zipPath, ignore) || ignored(path.Join(zipPath, "file"), ignore)) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(zipPath, ignore) {
			return nil
		}

		linfo, err := os.Lstat(filePath)
		if err != nil {
			return err
		}
		if linfo.Mode()&os.ModeSymlink != 0 {
			return addSymlinkToZip(zipWriter, filePath, zipPath, absSourceDir)
		}
		return addRegularFileToZip(zipWriter, filePath, zipPath, linfo)
	})
}

// addRegularFileToZip adds a regular file to the ZIP archive with mode preservation
func addRegularFileToZip(zipWriter *zip.Writer, filePath, zipPath string, info fs.FileInfo) error {
	header := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	header.SetMode(info.Mode())

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(writer, file)
	return err
}

// addSymlinkToZip adds a symlink to the ZIP archive
func addSymlinkToZip(zipWriter *zip.Writer, filePath, zipPath, absSourceDir string) error {
	target, err := os.Readlink(filePath)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", filePath, err)
	}

	if filepath.IsAbs(target) {
		return fmt.Errorf("absolute symlink not allowed: %s -> %s", filePath, target)
	}
	if err := validateSymlinkTarget(filePath, target, absSourceDir); err != nil {
		return err
	}

	header := &zip.FileHeader{
		Name:   zipPath,
		Method: zip.Store, // No compression for symlinks
	}
	header.SetMode(os.ModeSymlink | 0777)

	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return err
	}

	// Store target path as content (converted to forward slashes for portability)
	_, err = writer.Write([]byte(filepath.ToSlash(target)))
	return err
}

// validateSymlinkTarget ensures a symlink target stays within the bundle root
func validateSymlinkTarget(symlinkPath, target, absSourceDir string) error {
	resolvedTarget := filepath.Join(filepath.Dir(symlinkPath), target)

	absTarget, err := filepath.Abs(resolvedTarget)
	if err != nil {
		return fmt.Errorf("failed to resolve symlink target: %w", err)
	}
	if !isWithinDir(absTarget, absSourceDir) {
		return fmt.Errorf("symlink escapes bundle: %s -> %s (resolves to %s)", symlinkPath, target, absTarget)
	}
	return nil
}

// isWithinDir checks if absPath is within absDir
func isWithinDir(absPath, absDir string) bool {
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// readFooter reads the footer at the end of file. ok is false when the file
// carries no bundle.
func readFooter(file *os.File) (footer Footer, size int64, ok bool, err error) {
	info, err := file.Stat()
	if err != nil {
		return footer, 0, false, fmt.Errorf("failed to stat binary: %w", err)
	}
	size = info.Size()
	if size < FooterSize {
		return footer, size, false, nil
	}
	if _, err := file.Seek(size-FooterSize, io.SeekStart); err != nil {
		return footer, size, false, fmt.Errorf("failed to seek to footer: %w", err)
	}
	if err := binary.Read(file, binary.LittleEndian, &footer); err != nil {
		return footer, size, false, nil
	}
	if !bytes.Equal(footer.Magic[:], []byte(MagicMarker)) {
		return footer, size, false, nil
	}
	if footer.Offset < 0 || footer.Size < 0 || footer.Offset+footer.Size > size-FooterSize {
		return footer, size, false, fmt.Errorf("corrupt bundle footer")
	}
	return footer, size, true, nil
}

// GetBinarySize returns the size of the executable portion (excluding bundle).
// If bundled, returns the offset to the bundle. Otherwise returns total file size.
func GetBinarySize(binaryPath string) (int64, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open binary: %w", err)
	}
	defer file.Close()

	footer, size, ok, err := readFooter(file)
	if err != nil {
		return 0, err
	}
	if ok {
		return footer.Offset, nil
	}
	return size, nil
}

// IsBundled checks if the binary at binaryPath has bundled content.
func IsBundled(binaryPath string) (bool, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	_, _, ok, err := readFooter(file)
	return ok, err
}

// Bundle is the script archive carried by a binary.
type Bundle struct {
	reader *zip.Reader
	index  map[string]*zip.File
}

// Open reads the bundle appended to binaryPath. It returns ErrNotBundled when
// there is none.
func Open(binaryPath string) (*Bundle, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer file.Close()

	footer, _, ok, err := readFooter(file)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotBundled
	}

	if _, err := file.Seek(footer.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to ZIP data: %w", err)
	}
	zipData := make([]byte, footer.Size)
	if _, err := io.ReadFull(file, zipData); err != nil {
		return nil, fmt.Errorf("failed to read ZIP data: %w", err)
	}
	zipReader, err := zip.NewReader(bytes.NewReader(zipData), footer.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP reader: %w", err)
	}
	return newBundle(zipReader), nil
}

// OpenSelf reads the bundle appended to the running executable.
func OpenSelf() (*Bundle, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	return Open(exePath)
}

func newBundle(r *zip.Reader) *Bundle {
	b := &Bundle{reader: r, index: make(map[string]*zip.File, len(r.File))}
	for _, f := range r.File {
		b.index[f.Name] = f
	}
	return b
}

// FileInfo contains metadata about a bundled file.
type FileInfo struct {
	Name          string      // File path within bundle
	IsSymlink     bool        // True if this is a symlink
	SymlinkTarget string      // Target path if symlink, empty otherwise
	Mode          fs.FileMode // File mode (permissions)
	Size          int64
	Modified      time.Time
}

// Files lists the bundled files sorted by name.
func (b *Bundle) Files() []FileInfo {
	files := make([]FileInfo, 0, len(b.reader.File))
	for _, f := range b.reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		info := FileInfo{
			Name:     f.Name,
			Mode:     f.Mode(),
			Size:     int64(f.UncompressedSize64),
			Modified: f.Modified,
		}
		if f.Mode()&os.ModeSymlink != 0 {
			info.IsSymlink = true
			info.SymlinkTarget = readSymlinkTarget(f)
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// readSymlinkTarget reads the target path from a symlink zip entry.
// Returns empty string if the target cannot be read.
func readSymlinkTarget(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	targetBytes, err := io.ReadAll(rc)
	if err != nil {
		return ""
	}
	return string(targetBytes)
}

// resolve follows symlink entries to the regular file they name.
func (b *Bundle) resolve(name string) (*zip.File, error) {
	for range maxLinkDepth {
		f, ok := b.index[name]
		if !ok {
			return nil, fs.ErrNotExist
		}
		if f.Mode()&os.ModeSymlink == 0 {
			return f, nil
		}
		target := readSymlinkTarget(f)
		name = path.Join(path.Dir(name), target)
	}
	return nil, fmt.Errorf("%s: too many levels of symbolic links", name)
}

// ReadFile reads a file from the bundle, following symlinks.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	name = strings.TrimPrefix(path.Clean(name), "/")
	f, err := b.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// FS returns the bundled scripts as a file system. Symlinks are followed.
func (b *Bundle) FS() fs.FS {
	return &scriptFS{bundle: b}
}

// Extract writes the bundled files under targetDir, recreating symlinks.
func (b *Bundle) Extract(targetDir string) error {
	for _, f := range b.reader.File {
		if err := extractZipFile(f, targetDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

// extractZipFile extracts a single file or symlink from ZIP
func extractZipFile(f *zip.File, targetDir string) error {
	targetPath := filepath.Join(targetDir, filepath.FromSlash(f.Name))

	absTargetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}
	absTargetPath, err := filepath.Abs(targetPath)
	if err != nil {
		return err
	}
	if !isWithinDir(absTargetPath, absTargetDir) {
		return fmt.Errorf("zip entry escapes target directory: %s", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(targetPath, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	if f.Mode()&os.ModeSymlink != 0 {
		return extractSymlink(f, targetPath, absTargetDir)
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
	if err != nil {
		return err
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, rc)
	return err
}

// extractSymlink extracts a symlink from ZIP
func extractSymlink(f *zip.File, targetPath, absTargetDir string) error {
	linkTarget := filepath.FromSlash(readSymlinkTarget(f))

	resolvedTarget := filepath.Join(filepath.Dir(targetPath), linkTarget)
	absResolvedTarget, err := filepath.Abs(resolvedTarget)
	if err != nil {
		return fmt.Errorf("failed to resolve symlink target: %w", err)
	}
	if !isWithinDir(absResolvedTarget, absTargetDir) {
		return fmt.Errorf("symlink escapes target directory: %s -> %s", f.Name, linkTarget)
	}

	os.Remove(targetPath)
	return os.Symlink(linkTarget, targetPath)
}

// scriptFS serves bundle files, following symlink entries.
type scriptFS struct {
	bundle *Bundle
}

// Open implements fs.FS.
func (s *scriptFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if _, ok := s.bundle.index[name]; !ok {
		// Directories and absent files go through the ZIP reader's own fs.FS
		return s.bundle.reader.Open(name)
	}
	f, err := s.bundle.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return s.bundle.reader.Open(f.Name)
}
