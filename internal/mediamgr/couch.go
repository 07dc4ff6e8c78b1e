package mediamgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// CouchStore reads media documents from a CouchDB-style document store over
// its REST interface.
type CouchStore struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewCouchStore creates a store client for the given base URL.
func NewCouchStore(baseURL string, logger *logrus.Logger) *CouchStore {
	return &CouchStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// GetMediaDoc fetches db/docID and extracts the streamable flag and the
// attachment names in declaration order.
func (s *CouchStore) GetMediaDoc(ctx context.Context, db, docID string) (*MediaDoc, error) {
	docURL := fmt.Sprintf("%s/%s/%s", s.baseURL, url.PathEscape(db), url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		s.logger.WithFields(logrus.Fields{
			"db":     db,
			"doc":    docID,
			"status": resp.StatusCode,
		}).Warn("Unexpected document store response")
		return nil, fmt.Errorf("document store returned %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var fields struct {
		Streamable bool `json:"streamable"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	attachments, err := attachmentNames(raw)
	if err != nil {
		return nil, err
	}

	return &MediaDoc{Streamable: fields.Streamable, Attachments: attachments}, nil
}

// attachmentNames walks the document's _attachments object with a token
// decoder so declaration order survives; a plain map would lose it.
func attachmentNames(doc json.RawMessage) ([]string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, err
	}
	rawAtt, ok := top["_attachments"]
	if !ok {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(rawAtt))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("malformed _attachments")
	}

	var names []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("malformed _attachments key")
		}
		names = append(names, name)

		// Skip the attachment body.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return names, nil
}
