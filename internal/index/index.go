// Package index maintains a cross-run semantic index of learnings in
// Qdrant. Completed runs feed their learnings in; the search endpoint
// queries across every run ever indexed. The index is an optional
// enrichment: engine progress never blocks on it.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/nagare-ai/tansa/internal/embedding"
	"github.com/nagare-ai/tansa/internal/model"
)

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// Hit is one cross-run search result.
type Hit struct {
	RunID uuid.UUID `json:"run_id"`
	Text  string    `json:"text"`
	Depth int       `json:"depth"`
	Score float32   `json:"score"`
}

// LearningIndex stores learning vectors in Qdrant, connected via gRPC.
type LearningIndex struct {
	client     *qdrant.Client
	embedder   embedding.Provider
	collection string
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port (6333) means the caller wants the adjacent gRPC port.
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// New creates a LearningIndex and connects to the Qdrant server via gRPC.
func New(cfg Config, embedder embedding.Provider, logger *slog.Logger) (*LearningIndex, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
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
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &LearningIndex{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist
// and ensures payload indexes are present. CreateFieldIndex is
// idempotent on Qdrant, so the index pass safely backfills indexes
// added after the collection was first created.
func (ix *LearningIndex) EnsureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: ix.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(ix.embedder.Dimensions()), //nolint:gosec
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("index: create collection %q: %w", ix.collection, err)
		}
		ix.logger.Info("index: created collection", "collection", ix.collection, "dims", ix.embedder.Dimensions())
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := ix.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: ix.collection,
		FieldName:      "run_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on run_id: %w", err)
	}

	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := ix.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: ix.collection,
		FieldName:      "depth",
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on depth: %w", err)
	}

	return nil
}

// IndexLearnings embeds and upserts a run's learnings. Point IDs are
// derived from (run_id, text) so re-indexing the same run is idempotent.
func (ix *LearningIndex) IndexLearnings(ctx context.Context, runID uuid.UUID, learnings []model.Learning) error {
	if len(learnings) == 0 {
		return nil
	}

	texts := make([]string, len(learnings))
	for i, l := range learnings {
		texts[i] = l.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("index: embed learnings: %w", err)
	}
	if len(vectors) != len(learnings) {
		return fmt.Errorf("index: embedder returned %d vectors for %d learnings", len(vectors), len(learnings))
	}

	points := make([]*qdrant.PointStruct, len(learnings))
	for i, l := range learnings {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.NewSHA1(runID, []byte(l.Text)).String()),
			Vectors: qdrant.NewVectorsDense(vectors[i].Slice()),
			Payload: qdrant.NewValueMap(map[string]any{
				"run_id": runID.String(),
				"text":   l.Text,
				"depth":  int64(l.Depth),
			}),
		}
	}

	if _, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("index: upsert learnings: %w", err)
	}
	ix.logger.Debug("index: upserted learnings", "run_id", runID, "count", len(points))
	return nil
}

// Search embeds the query text and returns the most similar learnings
// across every indexed run.
func (ix *LearningIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index: embed query: %w", err)
	}

	fetchLimit := uint64(limit) //nolint:gosec
	scored, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		payload := sp.Payload
		hit := Hit{Score: sp.Score}
		if v, ok := payload["run_id"]; ok {
			id, err := uuid.Parse(v.GetStringValue())
			if err != nil {
				ix.logger.Warn("index: invalid run_id in payload", "value", v.GetStringValue())
				continue
			}
			hit.RunID = id
		}
		if v, ok := payload["text"]; ok {
			hit.Text = v.GetStringValue()
		}
		if v, ok := payload["depth"]; ok {
			hit.Depth = int(v.GetIntegerValue())
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds, and concurrent checks after cache expiry are deduplicated
// via singleflight so only one gRPC call is made.
func (ix *LearningIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, ix.healthAt.Load())) < 5*time.Second {
		return ix.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := ix.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := ix.client.HealthCheck(checkCtx)
		if err != nil {
			ix.storeHealthErr(fmt.Errorf("index: qdrant unhealthy: %w", err))
		} else {
			ix.storeHealthErr(nil)
		}
		ix.healthAt.Store(time.Now().UnixNano())
		return ix.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so it is wrapped in a pointer.
func (ix *LearningIndex) storeHealthErr(err error) {
	ix.healthErr.Store(&err)
}

func (ix *LearningIndex) loadHealthErr() error {
	if p, ok := ix.healthErr.Load().(*error); ok && p != nil {
		return *p
	}
	return nil
}

// Close releases the gRPC connection.
func (ix *LearningIndex) Close() error {
	return ix.client.Close()
}
