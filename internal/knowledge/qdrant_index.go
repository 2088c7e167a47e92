package knowledge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"gwi.com/ragchat/internal/ingest"
)

const upsertBatch = 256

// pointNamespace seeds the deterministic point ids of session chunks.
var pointNamespace = uuid.MustParse("6f1c2b1e-4d0a-4c55-9a57-2f0d3c8b7e10")

// QdrantClient is the part of *qdrant.Client the index uses.
type QdrantClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// QdrantIndex keeps every session in one collection, partitioned by a
// session_id payload field. A chunk's point id is derived from its session
// and index, so rewriting a session overwrites points in place.
type QdrantIndex struct {
	client     QdrantClient
	collection string
	batch      int
}

func NewQdrantIndex(client QdrantClient, collection string) *QdrantIndex {
	return &QdrantIndex{client: client, collection: collection, batch: upsertBatch}
}

func pointID(sessionID string, index int) string {
	return uuid.NewSHA1(pointNamespace, []byte(sessionID+"/"+strconv.Itoa(index))).String()
}

// Init creates the collection and the session_id payload index when missing.
func (q *QdrantIndex) Init(ctx context.Context, dim uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", q.collection, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "session_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}
	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "index",
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create index field index: %w", err)
	}
	return nil
}

// Replace upserts every chunk, then removes the session's points past the
// new chunk count. A failed upsert leaves earlier points in place, so the
// caller can restore the previous set with another Replace.
func (q *QdrantIndex) Replace(ctx context.Context, sessionID string, chunks []ingest.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	for start := 0; start < len(chunks); start += q.batch {
		end := min(start+q.batch, len(chunks))
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			c := chunks[i]
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(sessionID, c.Index)),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(map[string]any{
					"session_id": sessionID,
					"content":    c.Content,
					"source":     c.Source,
					"page":       c.Page,
					"index":      c.Index,
				}),
			})
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert session chunks: %w", err)
		}
	}

	tail := sessionFilter(sessionID)
	tail.Must = append(tail.Must, qdrant.NewRange("index", &qdrant.Range{Gte: qdrant.PtrOf(float64(len(chunks)))}))
	if err := q.delete(ctx, tail); err != nil {
		return fmt.Errorf("failed to trim session chunks: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, sessionID string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         sessionFilter(sessionID),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	matches := make([]Match, 0, len(res))
	for _, hit := range res {
		p := hit.Payload
		matches = append(matches, Match{
			Chunk: ingest.Chunk{
				Content: p["content"].GetStringValue(),
				Source:  p["source"].GetStringValue(),
				Page:    int(p["page"].GetIntegerValue()),
				Index:   int(p["index"].GetIntegerValue()),
			},
			Score: hit.Score,
		})
	}
	return matches, nil
}

func (q *QdrantIndex) Drop(ctx context.Context, sessionID string) error {
	if err := q.delete(ctx, sessionFilter(sessionID)); err != nil {
		return fmt.Errorf("failed to drop session chunks: %w", err)
	}
	return nil
}

func (q *QdrantIndex) delete(ctx context.Context, filter *qdrant.Filter) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return err
}

func sessionFilter(sessionID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("session_id", sessionID)}}
}
