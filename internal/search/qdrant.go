package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/neurostuff/studysync/internal/model"
)

// Payload fields stored on every point.
const (
	fieldBaseStudyID      = "base_study_id"
	fieldPipelineConfigID = "pipeline_config_id"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// QdrantIndex implements EmbeddingMirror backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger

	ensureMu sync.Mutex
	ensured  bool

	// ping reaches the server; swapped out in tests.
	ping     func(ctx context.Context) error
	health   atomic.Pointer[healthState]
	healthSF singleflight.Group
}

// healthState is the outcome of the last reachability check.
type healthState struct {
	err error
	at  time.Time
}

// healthTTL is how long a reachability result is reused. A batch with
// several merges checks once, and a flapping server is not hammered.
const healthTTL = 5 * time.Second

var _ EmbeddingMirror = (*QdrantIndex)(nil)

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port is given more often than not; the client speaks gRPC.
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	q := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		logger:     logger,
	}
	q.ping = func(ctx context.Context) error {
		_, err := q.client.HealthCheck(ctx)
		return err
	}
	return q, nil
}

// EnsureCollection creates the collection with the given vector size if it
// does not exist, and makes sure the keyword payload indexes are present.
// CreateFieldIndex is idempotent, so indexes added later are backfilled.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims uint64) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{fieldBaseStudyID, fieldPipelineConfigID} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	q.ensured = true
	return nil
}

// pointsFor builds the Qdrant points for embeddings now owned by owner.
func pointsFor(owner uuid.UUID, embeddings []model.PipelineEmbedding) []*qdrant.PointStruct {
	points := make([]*qdrant.PointStruct, 0, len(embeddings))
	for _, e := range embeddings {
		if len(e.Embedding) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(e.ID.String()),
			Vectors: qdrant.NewVectorsDense(e.Embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldBaseStudyID:      owner.String(),
				fieldPipelineConfigID: e.PipelineConfigID.String(),
			}),
		})
	}
	return points
}

// Upsert writes embeddings owned by owner.
func (q *QdrantIndex) Upsert(ctx context.Context, owner uuid.UUID, embeddings []model.PipelineEmbedding) error {
	points := pointsFor(owner, embeddings)
	if len(points) == 0 {
		return nil
	}
	if err := q.EnsureCollection(ctx, uint64(len(embeddings[0].Embedding))); err != nil {
		return err
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Repoint implements EmbeddingMirror. Moved rows are upserted with their
// new owner, then any remaining points still tagged with from are
// relabelled, which covers points the mirror had that Postgres did not
// report.
func (q *QdrantIndex) Repoint(ctx context.Context, from, to uuid.UUID, moved []model.PipelineEmbedding) error {
	if err := q.Upsert(ctx, to, moved); err != nil {
		return err
	}
	q.ensureMu.Lock()
	ensured := q.ensured
	q.ensureMu.Unlock()
	if !ensured {
		exists, err := q.client.CollectionExists(ctx, q.collection)
		if err != nil {
			return fmt.Errorf("search: check collection exists: %w", err)
		}
		if !exists {
			return nil
		}
	}

	if _, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Payload:        qdrant.NewValueMap(map[string]any{fieldBaseStudyID: to.String()}),
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch(fieldBaseStudyID, from.String())},
				},
			},
		},
	}); err != nil {
		return fmt.Errorf("search: qdrant repoint %s -> %s: %w", from, to, err)
	}
	q.logger.Debug("qdrant: embeddings repointed", "from", from, "to", to, "moved", len(moved))
	return nil
}

// Healthy returns nil if Qdrant answers a health check. The result is
// reused for healthTTL, and concurrent callers share one in-flight check.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if st := q.health.Load(); st != nil && time.Since(st.at) < healthTTL {
		return st.err
	}
	// The shared check must not inherit one caller's cancellation.
	ch := q.healthSF.DoChan("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		st := &healthState{at: time.Now()}
		if err := q.ping(checkCtx); err != nil {
			st.err = fmt.Errorf("search: qdrant unhealthy: %w", err)
		}
		q.health.Store(st)
		return st, nil
	})
	select {
	case r := <-ch:
		return r.Val.(*healthState).err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
