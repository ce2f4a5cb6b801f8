package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the target chunk size in tokens.
	DefaultChunkSize = 512

	// DefaultChunkOverlap is the overlap between consecutive chunks in tokens.
	DefaultChunkOverlap = 50

	// CharsPerToken approximates the character count of one token.
	CharsPerToken = 4
)

// ChunkInfo is a slice of a file ready for embedding.
type ChunkInfo struct {
	ID          string
	FilePath    string
	StartLine   int
	EndLine     int
	Content     string
	Hash        string
	ContentHash string
}

// Chunker splits file content into overlapping chunks sized for the
// embedding model. Sizes are expressed in tokens and converted to
// characters with the CharsPerToken approximation.
type Chunker struct {
	chunkSize int
	overlap   int
}

func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

func (c *Chunker) Overlap() int {
	return c.overlap
}

// Chunk splits content into chunks, preferring line boundaries. Minified
// files (one huge line) fall back to hard splits at rune boundaries.
func (c *Chunker) Chunk(filePath, content string) []ChunkInfo {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	maxChars := c.chunkSize * CharsPerToken
	overlapChars := c.overlap * CharsPerToken
	lineStarts := buildLineStarts(content)

	var chunks []ChunkInfo
	pos := 0
	index := 0

	for pos < len(content) {
		end := pos + maxChars
		if end >= len(content) {
			end = len(content)
		} else {
			// Prefer to break on the last newline within the window,
			// unless that would leave a tiny chunk.
			if nl := strings.LastIndexByte(content[pos:end], '\n'); nl > maxChars/4 {
				end = pos + nl + 1
			} else {
				end = alignRuneBoundary(content, end)
			}
		}

		text := content[pos:end]
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, ChunkInfo{
				ID:          fmt.Sprintf("%s_%d", filePath, index),
				FilePath:    filePath,
				StartLine:   getLineNumber(lineStarts, pos),
				EndLine:     getLineNumber(lineStarts, end-1),
				Content:     text,
				Hash:        hashContent(text),
				ContentHash: hashContent(text),
			})
			index++
		}

		if end >= len(content) {
			break
		}
		next := end - overlapChars
		if next <= pos {
			next = end
		}
		pos = alignRuneBoundary(content, next)
	}

	return chunks
}

// ChunkWithContext chunks content and prefixes each chunk with its file
// path so the embedding carries location context.
func (c *Chunker) ChunkWithContext(filePath, content string) []ChunkInfo {
	chunks := c.Chunk(filePath, content)
	prefix := fileContextPrefix(filePath)
	for i := range chunks {
		chunks[i].Content = prefix + chunks[i].Content
		chunks[i].ContentHash = hashContent(chunks[i].Content)
	}
	return chunks
}

// ReChunk splits a chunk that proved too large for the embedder into
// sub-chunks at half the configured size. Sub-chunk IDs extend the
// parent's position so they stay unique within the file.
func (c *Chunker) ReChunk(parent ChunkInfo, parentIndex int) []ChunkInfo {
	prefix := fileContextPrefix(parent.FilePath)
	body := parent.Content
	hadPrefix := strings.HasPrefix(body, prefix)
	if hadPrefix {
		body = strings.TrimPrefix(body, prefix)
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}

	halfChars := (c.chunkSize / 2) * CharsPerToken
	if halfChars < CharsPerToken {
		halfChars = CharsPerToken
	}
	lineStarts := buildLineStarts(body)

	var subChunks []ChunkInfo
	pos := 0
	sub := 0

	for pos < len(body) {
		end := pos + halfChars
		if end >= len(body) {
			end = len(body)
		} else if nl := strings.LastIndexByte(body[pos:end], '\n'); nl > halfChars/4 {
			end = pos + nl + 1
		} else {
			end = alignRuneBoundary(body, end)
		}

		text := body[pos:end]
		if strings.TrimSpace(text) != "" {
			if hadPrefix {
				text = prefix + text
			}
			startLine := parent.StartLine + getLineNumber(lineStarts, pos) - 1
			endLine := parent.StartLine + getLineNumber(lineStarts, end-1) - 1
			subChunks = append(subChunks, ChunkInfo{
				ID:          fmt.Sprintf("%s_%d_%d", parent.FilePath, parentIndex, sub),
				FilePath:    parent.FilePath,
				StartLine:   startLine,
				EndLine:     endLine,
				Content:     text,
				Hash:        parent.Hash,
				ContentHash: hashContent(text),
			})
			sub++
		}

		if end >= len(body) {
			break
		}
		pos = alignRuneBoundary(body, end)
	}

	return subChunks
}

func fileContextPrefix(filePath string) string {
	return fmt.Sprintf("File: %s\n\n", filePath)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// buildLineStarts returns the byte offset of each line start.
func buildLineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// getLineNumber returns the 1-based line containing the byte offset.
func getLineNumber(lineStarts []int, pos int) int {
	i := sort.Search(len(lineStarts), func(i int) bool {
		return lineStarts[i] > pos
	})
	if i < 1 {
		return 1
	}
	return i
}

// alignRuneBoundary moves pos forward past any UTF-8 continuation bytes
// so a split never lands mid-rune.
func alignRuneBoundary(content string, pos int) int {
	for pos < len(content) && !utf8.RuneStart(content[pos]) {
		pos++
	}
	return pos
}
