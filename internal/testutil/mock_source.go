// Package testutil provides testing utilities for the exchange client.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pageBatch mirrors the wire format served by a remote page source.
type pageBatch struct {
	Token     int64    `json:"token"`
	NextToken int64    `json:"nextToken"`
	Complete  bool     `json:"complete"`
	Pages     [][]byte `json:"pages"`
}

// MockSource is a configurable remote page source for testing. It serves
// the configured batches in order, one batch per cursor position, and
// records fetches, acknowledgements, and close calls.
type MockSource struct {
	server *httptest.Server

	mu                 sync.Mutex
	batches            [][][]byte
	failuresRemaining  int
	failureStatus      int
	malformedRemaining int
	delay              time.Duration
	neverComplete      bool

	requestCount int
	activeGets   int
	maxActive    int
	ackTokens    []int64
	closed       bool
}

// NewMockSource creates a mock source serving the given batches. Each
// element is the list of pages returned for one cursor position; the last
// batch carries the end-of-stream marker.
func NewMockSource(batches [][][]byte) *MockSource {
	mock := &MockSource{
		batches:       batches,
		failureStatus: http.StatusInternalServerError,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock source's location URL.
func (m *MockSource) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// FailNext makes the next n page fetches return statusCode.
func (m *MockSource) FailNext(n, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failuresRemaining = n
	m.failureStatus = statusCode
}

// RespondMalformed makes the next n page fetches return an undecodable body.
func (m *MockSource) RespondMalformed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformedRemaining = n
}

// SetDelay delays every page fetch, to hold requests in flight.
func (m *MockSource) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetNeverComplete withholds the end-of-stream marker so the source keeps
// serving empty batches past the configured ones.
func (m *MockSource) SetNeverComplete(neverComplete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neverComplete = neverComplete
}

// GetRequestCount returns the number of page fetches served.
func (m *MockSource) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// GetMaxActive returns the highest number of concurrently in-flight page
// fetches observed.
func (m *MockSource) GetMaxActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// GetAckTokens returns the acknowledged cursor positions, in arrival order.
func (m *MockSource) GetAckTokens() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ackTokens...)
}

// WasClosed reports whether the consumer sent the close call.
func (m *MockSource) WasClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSource) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		m.handleDelete(w, r)
		return
	}

	token, ok := parseToken(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	m.requestCount++
	m.activeGets++
	if m.activeGets > m.maxActive {
		m.maxActive = m.activeGets
	}
	delay := m.delay
	failing := m.failuresRemaining > 0
	if failing {
		m.failuresRemaining--
	}
	status := m.failureStatus
	malformed := !failing && m.malformedRemaining > 0
	if malformed {
		m.malformedRemaining--
	}
	batch := m.batchFor(token)
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	m.activeGets--
	m.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(status)
	case malformed:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{not valid json"))
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(batch)
	}
}

func (m *MockSource) handleDelete(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := parseToken(r.URL.Path); ok {
		m.ackTokens = append(m.ackTokens, token)
	} else {
		m.closed = true
	}
	w.WriteHeader(http.StatusNoContent)
}

// batchFor builds the response for one cursor position. Callers must hold
// m.mu.
func (m *MockSource) batchFor(token int64) pageBatch {
	if token >= int64(len(m.batches)) {
		return pageBatch{
			Token:     token,
			NextToken: token,
			Complete:  !m.neverComplete,
			Pages:     [][]byte{},
		}
	}

	return pageBatch{
		Token:     token,
		NextToken: token + 1,
		Complete:  !m.neverComplete && token == int64(len(m.batches))-1,
		Pages:     m.batches[token],
	}
}

// parseToken extracts the cursor from a /pages/{token} path.
func parseToken(path string) (int64, bool) {
	const prefix = "/pages/"
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	token, err := strconv.ParseInt(strings.TrimPrefix(path, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return token, true
}

// PagesOfSize builds a batch of count pages, each size bytes, filled with
// the given marker byte.
func PagesOfSize(count, size int, marker byte) [][]byte {
	pages := make([][]byte, count)
	for i := range pages {
		page := make([]byte, size)
		for j := range page {
			page[j] = marker
		}
		pages[i] = page
	}
	return pages
}
