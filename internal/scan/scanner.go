package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"photosync/internal/classify"

	"go.uber.org/zap"
)

// ErrPathNotFound indicates the task's local root does not exist
var ErrPathNotFound = errors.New("local root not found")

// Origin records how an entry ended up in its scanned location
type Origin string

const (
	// OriginOrganized means the file was already inside a subfolder
	OriginOrganized Origin = "organized"
	// OriginLoose means the file sat directly in the root and was relocated
	OriginLoose Origin = "loose"
)

// Entry is a single file scheduled for transfer. Entries are immutable after
// scanning; manifest order defines the resume cursor.
type Entry struct {
	LocalPath string            `json:"local_path"`
	RemoteKey string            `json:"remote_key"`
	SizeBytes int64             `json:"size_bytes"`
	Category  classify.Category `json:"category"`
	Extension string            `json:"extension"`
	Origin    Origin            `json:"origin"`
}

// Manifest is the ordered list of files for one task run
type Manifest struct {
	Entries    []Entry
	TotalBytes int64
}

// Len returns the number of manifest entries
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}

// Scanner builds transfer manifests from a local order folder
type Scanner struct {
	logger *zap.Logger
}

// NewScanner creates a scanner
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{logger: logger}
}

// Scan enumerates root recursively, relocates loose files into category
// folders and returns a deterministic manifest. Remote keys join remotePrefix
// with the file's category folder and its path relative to root; a leading
// path element that already names the category folder is not repeated.
// Re-scanning an unchanged tree yields an identical manifest.
func (s *Scanner) Scan(root, remotePrefix string) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, root)
		}
		return nil, fmt.Errorf("failed to stat local root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrPathNotFound, root)
	}

	relocated, err := s.relocateLooseFiles(root)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{}

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if p == root {
				return nil
			}
			if strings.EqualFold(d.Name(), "Archive") || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || isExcludedName(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		cat := classify.ForPath(p)
		origin := OriginOrganized
		if _, ok := relocated[p]; ok || filepath.Dir(p) == root {
			origin = OriginLoose
		}

		entry := Entry{
			LocalPath: p,
			RemoteKey: remoteKey(remotePrefix, cat, rel),
			SizeBytes: fi.Size(),
			Category:  cat,
			Extension: strings.ToLower(filepath.Ext(p)),
			Origin:    origin,
		}
		manifest.Entries = append(manifest.Entries, entry)
		manifest.TotalBytes += entry.SizeBytes
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, walkErr)
	}

	// Stable ordering defines the resume cursor
	sort.Slice(manifest.Entries, func(i, j int) bool {
		a, b := manifest.Entries[i], manifest.Entries[j]
		if a.RemoteKey != b.RemoteKey {
			return a.RemoteKey < b.RemoteKey
		}
		return a.LocalPath < b.LocalPath
	})

	s.logger.Info("Scan completed",
		zap.String("root", root),
		zap.Int("files", len(manifest.Entries)),
		zap.Int64("total_bytes", manifest.TotalBytes),
		zap.Int("relocated", len(relocated)),
	)

	return manifest, nil
}

// relocateLooseFiles moves files sitting directly in root into their category
// folders so the local layout mirrors the remote key layout. Returns the set
// of destination paths that were moved this scan.
func (s *Scanner) relocateLooseFiles(root string) (map[string]struct{}, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read local root: %w", err)
	}

	relocated := make(map[string]struct{})

	for _, d := range dirEntries {
		if d.IsDir() || !d.Type().IsRegular() || isExcludedName(d.Name()) {
			continue
		}

		cat := classify.ForPath(d.Name())
		destDir := filepath.Join(root, cat.Folder())
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create category folder %s: %w", destDir, err)
		}

		src := filepath.Join(root, d.Name())
		dst := filepath.Join(destDir, d.Name())

		if _, err := os.Stat(dst); err == nil {
			// A different file with this name already occupies the category
			// folder. Relocating under a numbered suffix keeps both files in
			// the manifest under distinct remote keys instead of one
			// shadowing the other.
			alt, altErr := conflictDestination(destDir, d.Name())
			if altErr != nil {
				return nil, altErr
			}
			s.logger.Warn("Relocation destination exists, using a numbered suffix",
				zap.String("file", src),
				zap.String("destination", alt),
			)
			dst = alt
		}

		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to relocate loose file %s: %w", src, err)
		}

		s.logger.Debug("Relocated loose file",
			zap.String("from", src),
			zap.String("to", dst),
		)
		relocated[dst] = struct{}{}
	}

	return relocated, nil
}

// conflictDestination returns the first free name_N variant inside dir
func conflictDestination(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free relocation name for %s in %s", name, dir)
}

// isExcludedName reports whether a file name is dotfile/OS metadata or a
// temporary download artifact
func isExcludedName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	if lower == "thumbs.db" || lower == "desktop.ini" {
		return true
	}
	return strings.HasSuffix(lower, ".tmp") || strings.HasSuffix(lower, ".crdownload")
}

func remoteKey(prefix string, cat classify.Category, rel string) string {
	rel = path.Clean(filepath.ToSlash(rel))
	if first, rest, ok := strings.Cut(rel, "/"); ok && strings.EqualFold(first, cat.Folder()) {
		rel = rest
	}
	return path.Join(prefix, cat.Folder(), rel)
}
