package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"folderd/lifecycle"
	"folderd/store"
)

// SupportedExtensions lists the file extensions eligible for indexing.
var SupportedExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cc": true,
	".cs": true, ".rb": true, ".php": true, ".rs": true, ".swift": true, ".kt": true,
	".scala": true, ".sh": true, ".bash": true, ".zsh": true, ".pl": true, ".lua": true,
	".sql": true, ".html": true, ".css": true, ".scss": true, ".vue": true, ".svelte": true,
	".md": true, ".txt": true, ".rst": true, ".org": true, ".tex": true, ".adoc": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true, ".ini": true,
	".proto": true, ".graphql": true, ".dockerfile": true, ".tf": true, ".hcl": true,
}

// maxScanFileSize skips files too large to chunk sensibly.
const maxScanFileSize = 5 * 1024 * 1024

// Scanner walks a folder and diffs its files against the documents the
// store already knows, producing the ordered change list that seeds an
// indexing cycle. Adds and modifies come out in walk order; deletes are
// appended afterwards, sorted by path.
type Scanner struct {
	root   string
	store  store.VectorStore
	ignore *IgnoreMatcher
}

func NewScanner(root string, st store.VectorStore, ignore *IgnoreMatcher) *Scanner {
	return &Scanner{root: root, store: st, ignore: ignore}
}

// Scan enumerates eligible files, fingerprints each one and compares
// against stored document hashes. onProgress, if non-nil, is called once
// per fingerprinted file with (processed, total).
func (s *Scanner) Scan(ctx context.Context, folderPath string, onProgress func(processed, total int64)) ([]lifecycle.FileChangeInfo, error) {
	root := folderPath
	if root == "" {
		root = s.root
	}

	paths, err := s.enumerate(root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", root, err)
	}

	existing, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	unseen := make(map[string]struct{}, len(existing))
	for _, path := range existing {
		unseen[path] = struct{}{}
	}

	var changes []lifecycle.FileChangeInfo
	total := int64(len(paths))

	for i, relPath := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fingerprint, err := fingerprintFile(filepath.Join(root, relPath))
		if err != nil {
			// File vanished between walk and hash; treat as absent.
			if os.IsNotExist(err) {
				if onProgress != nil {
					onProgress(int64(i+1), total)
				}
				continue
			}
			return nil, fmt.Errorf("failed to fingerprint %s: %w", relPath, err)
		}

		doc, err := s.store.GetDocument(ctx, relPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get document %s: %w", relPath, err)
		}
		delete(unseen, relPath)

		switch {
		case doc == nil:
			changes = append(changes, lifecycle.FileChangeInfo{
				Kind:        lifecycle.ChangeAdd,
				Path:        relPath,
				Fingerprint: fingerprint,
			})
		case doc.Hash != fingerprint:
			changes = append(changes, lifecycle.FileChangeInfo{
				Kind:        lifecycle.ChangeModify,
				Path:        relPath,
				Fingerprint: fingerprint,
			})
		}

		if onProgress != nil {
			onProgress(int64(i+1), total)
		}
	}

	deleted := make([]string, 0, len(unseen))
	for path := range unseen {
		deleted = append(deleted, path)
	}
	sort.Strings(deleted)
	for _, path := range deleted {
		changes = append(changes, lifecycle.FileChangeInfo{
			Kind: lifecycle.ChangeDelete,
			Path: path,
		})
	}

	return changes, nil
}

// enumerate returns the relative paths of indexable files in walk order.
func (s *Scanner) enumerate(root string) ([]string, error) {
	var paths []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil || relPath == "." {
			return nil
		}

		if info.IsDir() {
			if s.ignore != nil && s.ignore.ShouldSkipDir(relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(filepath.Base(relPath), ".") {
			return nil
		}
		if s.ignore != nil && s.ignore.ShouldIgnore(relPath) {
			return nil
		}
		if !SupportedExtensions[strings.ToLower(filepath.Ext(relPath))] {
			return nil
		}
		if info.Size() > maxScanFileSize {
			return nil
		}

		paths = append(paths, relPath)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// fingerprintFile returns the hex sha256 of the file's content.
func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
