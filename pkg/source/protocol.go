package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PageBatch is the wire representation of one page response. Pages are
// opaque byte blocks; encoding/json carries them as base64 strings.
type PageBatch struct {
	// Token is the cursor position this batch was requested at.
	Token int64 `json:"token"`

	// NextToken is the cursor to request the following batch at.
	NextToken int64 `json:"nextToken"`

	// Complete marks the end of the stream; no pages follow NextToken.
	Complete bool `json:"complete"`

	// Pages holds the serialized pages, in production order.
	Pages [][]byte `json:"pages"`
}

// Page is an opaque, sized block of serialized result data pulled from one
// remote location. A page is produced exactly once and consumed exactly once.
type Page struct {
	Location string
	Data     []byte
}

// Size returns the page size in bytes.
func (p *Page) Size() int64 {
	return int64(len(p.Data))
}

// pagesURL builds the fetch/acknowledge URL for a cursor position.
func pagesURL(location string, token int64) string {
	return fmt.Sprintf("%s/pages/%d", strings.TrimSuffix(location, "/"), token)
}

// fetchPages requests the next batch of pages at the given cursor position.
// The response body is read through a hard size limit: anything above
// maxResponseSize is a protocol violation, not a retryable truncation.
func fetchPages(ctx context.Context, httpClient *http.Client, location string, token int64, maxResponseSize int64) (*PageBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pagesURL(location, token), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Location: location, Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		return nil, &FetchError{
			Location:   location,
			StatusCode: resp.StatusCode,
			Class:      classifyError(resp.StatusCode, nil),
			Err:        err,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &FetchError{Location: location, Class: ErrorClassNetwork, Err: err}
	}
	if int64(len(body)) > maxResponseSize {
		err := fmt.Errorf("%w: body larger than %d bytes", ErrOversizedResponse, maxResponseSize)
		return nil, &FetchError{Location: location, StatusCode: resp.StatusCode, Class: ErrorClassOversized, Err: err}
	}

	var batch PageBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		return nil, &FetchError{Location: location, StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Err: err}
	}

	if batch.Token != token {
		err := fmt.Errorf("%w: requested token %d, got %d", ErrMalformedResponse, token, batch.Token)
		return nil, &FetchError{Location: location, StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Err: err}
	}
	if batch.NextToken < batch.Token {
		err := fmt.Errorf("%w: next token %d behind token %d", ErrMalformedResponse, batch.NextToken, batch.Token)
		return nil, &FetchError{Location: location, StatusCode: resp.StatusCode, Class: ErrorClassMalformed, Err: err}
	}

	return &batch, nil
}

// acknowledgePages tells the producer that all pages up to token are fully
// consumed and may be reclaimed. Best effort: any failure is returned for
// logging only and never retried.
func acknowledgePages(ctx context.Context, httpClient *http.Client, location string, token int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, pagesURL(location, token), nil)
	if err != nil {
		return fmt.Errorf("create acknowledge request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("acknowledge returned status %s", resp.Status)
	}
	return nil
}

// closeSource tells the producer the consumer is done with this output
// buffer. Best effort, same as acknowledgePages.
func closeSource(ctx context.Context, httpClient *http.Client, location string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, location, nil)
	if err != nil {
		return fmt.Errorf("create close request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("close returned status %s", resp.Status)
	}
	return nil
}
