package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

// Indexer mirrors routing decisions into Elasticsearch for analytics.
// Indexing is best effort; the messages table stays the system of record
// and a lost document never fails a send.
type Indexer struct {
	es     *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(es *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	return &Indexer{es: es, index: index, logger: log}
}

// IndexDecision writes one routing decision. The message ID doubles as the
// document ID so re-indexing is idempotent.
func (ix *Indexer) IndexDecision(ctx context.Context, rec models.RoutingAuditRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		ix.logger.WithError(err).Error("marshal audit document", map[string]interface{}{
			"messageId": rec.MessageID,
		})
		return
	}

	req := esapi.IndexRequest{
		Index:      ix.index,
		DocumentID: rec.MessageID,
		Body:       strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, ix.es)
	if err != nil {
		ix.logger.WithError(err).Warn("audit index write failed", map[string]interface{}{
			"messageId": rec.MessageID,
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		ix.logger.Warn("audit index write rejected", map[string]interface{}{
			"messageId": rec.MessageID,
			"status":    res.Status(),
		})
	}
}

// FallbackSummary aggregates routing volume per (requested, actual) pair
// from the analytics index.
func (ix *Indexer) FallbackSummary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	queryBody := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"range": map[string]interface{}{
				"createdAt": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339)},
			},
		},
		"aggs": map[string]interface{}{
			"requested": map[string]interface{}{
				"terms": map[string]interface{}{"field": "requestedLevel.keyword", "size": 10},
				"aggs": map[string]interface{}{
					"actual": map[string]interface{}{
						"terms": map[string]interface{}{"field": "actualLevel.keyword", "size": 10},
						"aggs": map[string]interface{}{
							"fallbacks": map[string]interface{}{
								"filter": map[string]interface{}{
									"term": map[string]interface{}{"fallbackApplied": true},
								},
							},
						},
					},
				},
			},
		},
	}

	body, _ := json.Marshal(queryBody)
	res, err := ix.es.Search(
		ix.es.Search.WithContext(ctx),
		ix.es.Search.WithIndex(ix.index),
		ix.es.Search.WithBody(strings.NewReader(string(body))),
	)
	if err != nil {
		return nil, fmt.Errorf("audit summary search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("audit summary search: %s", res.Status())
	}

	var parsed struct {
		Aggregations struct {
			Requested struct {
				Buckets []struct {
					Key    string `json:"key"`
					Actual struct {
						Buckets []struct {
							Key       string `json:"key"`
							DocCount  int    `json:"doc_count"`
							Fallbacks struct {
								DocCount int `json:"doc_count"`
							} `json:"fallbacks"`
						} `json:"buckets"`
					} `json:"actual"`
				} `json:"buckets"`
			} `json:"requested"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode audit summary: %w", err)
	}

	summary := []SummaryRow{}
	for _, requested := range parsed.Aggregations.Requested.Buckets {
		for _, actual := range requested.Actual.Buckets {
			summary = append(summary, SummaryRow{
				RequestedLevel: hierarchy.Level(requested.Key),
				ActualLevel:    hierarchy.Level(actual.Key),
				Total:          actual.DocCount,
				Fallbacks:      actual.Fallbacks.DocCount,
			})
		}
	}
	return summary, nil
}
