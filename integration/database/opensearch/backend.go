package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/remote"
)

type bucketDoc struct {
	Data      []byte `json:"data"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type getResponse struct {
	Found       bool      `json:"found"`
	SeqNo       int       `json:"_seq_no"`
	PrimaryTerm int       `json:"_primary_term"`
	Source      bucketDoc `json:"_source"`
}

// Backend keeps one document per bucket. The stamp is the document's
// sequence number and primary term, which OpenSearch checks on a
// conditional write.
type Backend struct {
	client *opensearch.Client
	index  string
	now    func() time.Time
}

var _ remote.Backend = (*Backend)(nil)

func NewBackend(client *opensearch.Client, index string) *Backend {
	return &Backend{client: client, index: index, now: time.Now}
}

// EnsureIndex creates the bucket index when it does not exist.
func (b *Backend) EnsureIndex(ctx context.Context) error {
	mapping := `{"mappings":{"properties":{"data":{"type":"binary"},"expires_at":{"type":"long"}}}}`
	res, err := opensearchapi.IndicesCreateRequest{
		Index: b.index,
		Body:  strings.NewReader(mapping),
	}.Do(ctx, b.client)
	if err != nil {
		return fmt.Errorf("opensearch create index %q: %w", b.index, err)
	}
	defer res.Body.Close()
	if res.IsError() && !bytes.Contains(readAll(res.Body), []byte("resource_already_exists_exception")) {
		return fmt.Errorf("%w: create index %q: %s", ErrUnexpectedStatus, b.index, res.Status())
	}
	return nil
}

func (b *Backend) get(ctx context.Context, key string) (getResponse, error) {
	res, err := opensearchapi.GetRequest{Index: b.index, DocumentID: key}.Do(ctx, b.client)
	if err != nil {
		return getResponse{}, fmt.Errorf("opensearch get %q: %w", key, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return getResponse{}, nil
	}
	if res.IsError() {
		return getResponse{}, fmt.Errorf("%w: get %q: %s", ErrUnexpectedStatus, key, res.Status())
	}
	var doc getResponse
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return getResponse{}, fmt.Errorf("opensearch get %q: decode: %w", key, err)
	}
	return doc, nil
}

func (b *Backend) expired(doc bucketDoc) bool {
	return doc.ExpiresAt > 0 && doc.ExpiresAt <= b.now().UnixMilli()
}

func (b *Backend) Load(ctx context.Context, key string) (remote.Blob, bool, error) {
	doc, err := b.get(ctx, key)
	if err != nil || !doc.Found || b.expired(doc.Source) {
		return remote.Blob{}, false, err
	}
	return remote.Blob{Data: doc.Source.Data, Stamp: stamp(doc.SeqNo, doc.PrimaryTerm)}, true, nil
}

// CompareAndSwap writes with op_type=create when nothing is expected. An
// expired document is overwritten conditionally on its own sequence number.
func (b *Backend) CompareAndSwap(ctx context.Context, key string, expected *remote.Blob, next []byte, ttl time.Duration) (bool, error) {
	req := opensearchapi.IndexRequest{Index: b.index, DocumentID: key, Refresh: "false"}

	switch {
	case expected != nil:
		seq, term, err := parseStamp(expected.Stamp)
		if err != nil {
			return false, fmt.Errorf("opensearch compare-and-swap %q: %w", key, err)
		}
		req.IfSeqNo, req.IfPrimaryTerm = &seq, &term
	default:
		doc, err := b.get(ctx, key)
		if err != nil {
			return false, err
		}
		if doc.Found && !b.expired(doc.Source) {
			return false, nil
		}
		if doc.Found {
			req.IfSeqNo, req.IfPrimaryTerm = &doc.SeqNo, &doc.PrimaryTerm
		} else {
			req.OpType = "create"
		}
	}

	body := bucketDoc{Data: next}
	if ttl > 0 {
		body.ExpiresAt = b.now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("opensearch compare-and-swap %q: %w", key, err)
	}
	req.Body = bytes.NewReader(raw)

	res, err := req.Do(ctx, b.client)
	if err != nil {
		return false, fmt.Errorf("opensearch index %q: %w", key, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusConflict:
		return false, nil
	case res.IsError():
		return false, fmt.Errorf("%w: index %q: %s", ErrUnexpectedStatus, key, res.Status())
	}
	return true, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	res, err := opensearchapi.DeleteRequest{Index: b.index, DocumentID: key}.Do(ctx, b.client)
	if err != nil {
		return fmt.Errorf("opensearch delete %q: %w", key, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: delete %q: %s", ErrUnexpectedStatus, key, res.Status())
	}
	return nil
}

func stamp(seq, term int) string {
	return strconv.Itoa(seq) + ":" + strconv.Itoa(term)
}

func parseStamp(s string) (seq, term int, err error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed stamp %q", s)
	}
	if seq, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("malformed stamp %q: %w", s, err)
	}
	if term, err = strconv.Atoi(b); err != nil {
		return 0, 0, fmt.Errorf("malformed stamp %q: %w", s, err)
	}
	return seq, term, nil
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
