package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore keeps chunks in a Qdrant collection and document metadata
// in a sibling "<collection>_documents" collection. Chunk ids are free
// text, so points use a UUIDv5 of the id and carry the original id in
// the payload.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	docsColl   string
	dimensions int
}

// SanitizeCollectionName derives a valid Qdrant collection name from a
// folder path.
func SanitizeCollectionName(folderPath string) string {
	name := strings.Trim(folderPath, "/")
	name = strings.NewReplacer("/", "_", "\\", "_", ".", "_", " ", "_", ":", "_").Replace(name)
	if name == "" {
		name = "folderd"
	}
	return "folderd_" + name
}

func NewQdrantStore(ctx context.Context, endpoint string, port int, useTLS bool, collection, apiKey string, dimensions int) (*QdrantStore, error) {
	if endpoint == "" {
		endpoint = "localhost"
	}
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   endpoint,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		docsColl:   collection + "_documents",
		dimensions: dimensions,
	}

	if err := s.ensureCollection(ctx, s.collection, uint64(dimensions)); err != nil {
		return nil, err
	}
	// Document points carry no meaningful vector; size 1 keeps them cheap.
	if err := s.ensureCollection(ctx, s.docsColl, 1); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string, size uint64) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func (s *QdrantStore) SaveChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(chunk.ID),
			Vectors: qdrant.NewVectors(chunk.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":     chunk.ID,
				"file_path":    chunk.FilePath,
				"start_line":   int64(chunk.StartLine),
				"end_line":     int64(chunk.EndLine),
				"content":      chunk.Content,
				"hash":         chunk.Hash,
				"content_hash": chunk.ContentHash,
				"updated_at":   chunk.UpdatedAt.Unix(),
			}),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

func filePathFilter(filePath string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("file_path", filePath)},
	}
}

func (s *QdrantStore) DeleteByFile(ctx context.Context, filePath string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(filePathFilter(filePath)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", filePath, err)
	}
	return nil
}

func chunkFromPayload(payload map[string]*qdrant.Value, vector []float32) Chunk {
	return Chunk{
		ID:          payload["chunk_id"].GetStringValue(),
		FilePath:    payload["file_path"].GetStringValue(),
		StartLine:   int(payload["start_line"].GetIntegerValue()),
		EndLine:     int(payload["end_line"].GetIntegerValue()),
		Content:     payload["content"].GetStringValue(),
		Vector:      vector,
		Hash:        payload["hash"].GetStringValue(),
		ContentHash: payload["content_hash"].GetStringValue(),
		UpdatedAt:   time.Unix(payload["updated_at"].GetIntegerValue(), 0),
	}
}

func (s *QdrantStore) Search(ctx context.Context, queryVector []float32, limit int) ([]SearchResult, error) {
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			Chunk: chunkFromPayload(p.Payload, nil),
			Score: p.Score,
		})
	}
	return results, nil
}

func (s *QdrantStore) GetDocument(ctx context.Context, filePath string) (*Document, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.docsColl,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("path", filePath)},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", filePath, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	doc := documentFromPayload(points[0].Payload)
	return &doc, nil
}

func documentFromPayload(payload map[string]*qdrant.Value) Document {
	doc := Document{
		Path:    payload["path"].GetStringValue(),
		Hash:    payload["hash"].GetStringValue(),
		ModTime: time.Unix(payload["mod_time"].GetIntegerValue(), 0),
	}
	for _, v := range payload["chunk_ids"].GetListValue().GetValues() {
		doc.ChunkIDs = append(doc.ChunkIDs, v.GetStringValue())
	}
	return doc
}

func (s *QdrantStore) SaveDocument(ctx context.Context, doc Document) error {
	ids := make([]any, len(doc.ChunkIDs))
	for i, id := range doc.ChunkIDs {
		ids[i] = id
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.docsColl,
		Points: []*qdrant.PointStruct{{
			Id:      pointID(doc.Path),
			Vectors: qdrant.NewVectors(0),
			Payload: qdrant.NewValueMap(map[string]any{
				"path":      doc.Path,
				"hash":      doc.Hash,
				"mod_time":  doc.ModTime.Unix(),
				"chunk_ids": ids,
			}),
		}},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.Path, err)
	}
	return nil
}

func (s *QdrantStore) DeleteDocument(ctx context.Context, filePath string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.docsColl,
		Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("path", filePath)}}),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", filePath, err)
	}
	return nil
}

func (s *QdrantStore) ListDocuments(ctx context.Context) ([]string, error) {
	var paths []string
	var offset *qdrant.PointId

	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.docsColl,
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			paths = append(paths, p.Payload["path"].GetStringValue())
		}
		if len(points) < 256 {
			break
		}
		offset = points[len(points)-1].Id
	}

	sort.Strings(paths)
	return paths, nil
}

// Load is a no-op: Qdrant is the source of truth.
func (s *QdrantStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op: upserts are written through with Wait.
func (s *QdrantStore) Persist(ctx context.Context) error { return nil }

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) GetStats(ctx context.Context) (*IndexStats, error) {
	chunkCount, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	docCount, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.docsColl,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	return &IndexStats{
		TotalFiles:  int(docCount),
		TotalChunks: int(chunkCount),
	}, nil
}

func (s *QdrantStore) ListFilesWithStats(ctx context.Context) ([]FileStats, error) {
	var stats []FileStats
	var offset *qdrant.PointId

	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.docsColl,
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll documents: %w", err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			doc := documentFromPayload(p.Payload)
			stats = append(stats, FileStats{
				Path:       doc.Path,
				ChunkCount: len(doc.ChunkIDs),
				ModTime:    doc.ModTime,
			})
		}
		if len(points) < 256 {
			break
		}
		offset = points[len(points)-1].Id
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats, nil
}

func (s *QdrantStore) GetChunksForFile(ctx context.Context, filePath string) ([]Chunk, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filePathFilter(filePath),
		Limit:          qdrant.PtrOf(uint32(1024)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks for %s: %w", filePath, err)
	}

	chunks := make([]Chunk, 0, len(points))
	for _, p := range points {
		chunks = append(chunks, chunkFromPayload(p.Payload, p.Vectors.GetVector().GetData()))
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].StartLine < chunks[j].StartLine })
	return chunks, nil
}

func (s *QdrantStore) GetAllChunks(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	var offset *qdrant.PointId

	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          qdrant.PtrOf(uint32(256)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll chunks: %w", err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			chunks = append(chunks, chunkFromPayload(p.Payload, nil))
		}
		if len(points) < 256 {
			break
		}
		offset = points[len(points)-1].Id
	}

	return chunks, nil
}
