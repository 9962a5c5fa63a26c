// Package search talks to Elasticsearch: index bootstrap, bulk upserts and
// the lookups behind the read API.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/olivere/elastic/v7"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/retry"
)

var ErrNotFound = errors.New("document not found")

// Document is one bulk index operation. Indexing a document with an existing
// ID overwrites it.
type Document struct {
	Index  string
	ID     string
	Source any
}

// BulkError describes one document rejected by a bulk call.
type BulkError struct {
	ID     string
	Status int
	Type   string
	Reason string
}

// BulkResult counts the outcome of a bulk call.
type BulkResult struct {
	Indexed int
	Failed  int
	Errors  []BulkError
}

// Hit is one search result.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// Query selects a page of documents.
type Query struct {
	Query     elastic.Query
	SortField string
	Ascending bool
	From      int
	Size      int
}

type Client struct {
	es     *elastic.Client
	policy retry.Policy
	log    *logrus.Entry
}

// NewClient creates a client for the given node URLs. Sniffing and the
// background health check are off: the cluster usually sits behind a single
// address.
func NewClient(urls []string, httpClient *http.Client, policy retry.Policy, log *logrus.Entry) (*Client, error) {
	options := []elastic.ClientOptionFunc{
		elastic.SetURL(urls...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if httpClient != nil {
		options = append(options, elastic.SetHttpClient(httpClient))
	}
	es, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{
		es:     es,
		policy: policy.WithLogger(log),
		log:    log,
	}, nil
}

// EnsureIndex creates index from schema unless it already exists. Losing a
// creation race to another process counts as success.
func (c *Client) EnsureIndex(ctx context.Context, index string, schema []byte) error {
	return c.policy.Do(ctx, "elasticsearch ensure index", func(ctx context.Context) error {
		exists, err := c.es.IndexExists(index).Do(ctx)
		if err != nil {
			return classify(err)
		}
		if exists {
			return nil
		}
		_, err = c.es.CreateIndex(index).BodyString(string(schema)).Do(ctx)
		if err != nil {
			if isAlreadyExists(err) {
				return nil
			}
			return classify(err)
		}
		c.log.WithField("index", index).Info("Created index")
		return nil
	})
}

// Bulk indexes docs in one request. Rejected documents are reported in the
// result; only a failure of the whole request is an error.
func (c *Client) Bulk(ctx context.Context, docs []Document) (BulkResult, error) {
	var result BulkResult
	if len(docs) == 0 {
		return result, nil
	}

	var resp *elastic.BulkResponse
	err := c.policy.Do(ctx, "elasticsearch bulk", func(ctx context.Context) error {
		bulk := c.es.Bulk()
		for _, doc := range docs {
			bulk.Add(elastic.NewBulkIndexRequest().Index(doc.Index).Id(doc.ID).Doc(doc.Source))
		}
		r, err := bulk.Do(ctx)
		if err != nil {
			return classify(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("bulk index %d documents: %w", len(docs), err)
	}

	result.Indexed = len(resp.Succeeded())
	for _, item := range resp.Failed() {
		bulkErr := BulkError{ID: item.Id, Status: item.Status}
		if item.Error != nil {
			bulkErr.Type = item.Error.Type
			bulkErr.Reason = item.Error.Reason
		}
		result.Errors = append(result.Errors, bulkErr)
	}
	result.Failed = len(result.Errors)
	return result, nil
}

// Get decodes the source of document id into dst. ErrNotFound is returned
// for a missing document or index.
func (c *Client) Get(ctx context.Context, index, id string, dst any) error {
	var source json.RawMessage
	err := c.policy.Do(ctx, "elasticsearch get", func(ctx context.Context) error {
		res, err := c.es.Get().Index(index).Id(id).Do(ctx)
		if err != nil {
			if elastic.IsNotFound(err) {
				return retry.Permanent(ErrNotFound)
			}
			return classify(err)
		}
		if !res.Found {
			return retry.Permanent(ErrNotFound)
		}
		source = res.Source
		return nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(source, dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", index, id, err)
	}
	return nil
}

// Search runs q against index. A missing index yields no hits.
func (c *Client) Search(ctx context.Context, index string, q Query) ([]Hit, error) {
	var hits []Hit
	err := c.policy.Do(ctx, "elasticsearch search", func(ctx context.Context) error {
		query := q.Query
		if query == nil {
			query = elastic.NewMatchAllQuery()
		}
		svc := c.es.Search(index).Query(query).From(q.From).Size(q.Size)
		if q.SortField != "" {
			svc = svc.Sort(q.SortField, q.Ascending)
		}
		res, err := svc.Do(ctx)
		if err != nil {
			if elastic.IsNotFound(err) {
				return nil
			}
			return classify(err)
		}
		hits = hits[:0]
		if res.Hits == nil {
			return nil
		}
		for _, hit := range res.Hits.Hits {
			hits = append(hits, Hit{ID: hit.Id, Source: hit.Source})
		}
		return nil
	})
	return hits, err
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.es.ClusterHealth().Do(ctx)
	return err
}

// Refresh makes recent writes to index visible to search.
func (c *Client) Refresh(ctx context.Context, index string) error {
	_, err := c.es.Refresh(index).Do(ctx)
	return err
}

func (c *Client) Stop() {
	c.es.Stop()
}

// classify marks client errors other than 408 and 429 as permanent.
func classify(err error) error {
	var esErr *elastic.Error
	if errors.As(err, &esErr) {
		switch {
		case esErr.Status == http.StatusRequestTimeout, esErr.Status == http.StatusTooManyRequests:
			return err
		case esErr.Status >= 400 && esErr.Status < 500:
			return retry.Permanent(err)
		}
	}
	return err
}

func isAlreadyExists(err error) bool {
	var esErr *elastic.Error
	if errors.As(err, &esErr) && esErr.Details != nil {
		return esErr.Details.Type == "resource_already_exists_exception"
	}
	return false
}
