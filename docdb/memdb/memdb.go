// Package memdb is an in-memory document store implementing docdb.Client.
//
// It exists for tests and the demo binary: queries match records whose fields
// equal every parameter, and faults can be injected on demand.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/dbshield/docdb"
)

// ErrClosed is returned by a client after Close.
var ErrClosed = errors.New("memdb: client closed")

// Store holds documents shared by every client it opens.
type Store struct {
	partitionField string

	mu       sync.RWMutex
	items    map[string]docdb.Record
	failNext int
	failErr  error
	probeErr error
	openErr  error
	latency  time.Duration

	queries atomic.Int64
	opens   atomic.Int64
}

// New creates an empty store. partitionField names the field holding each
// item's partition key; empty means items are not partitioned.
func New(partitionField string) *Store {
	return &Store{
		partitionField: partitionField,
		items:          make(map[string]docdb.Record),
	}
}

// Seed inserts records, replacing any with the same id.
func (s *Store) Seed(records ...docdb.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.items[r.ID()] = clone(r)
	}
}

// FailNext makes the next n operations (queries and writes) fail with err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	s.failNext = n
	s.failErr = err
	s.mu.Unlock()
}

// SetProbeError makes Probe return err; nil restores healthy probes.
func (s *Store) SetProbeError(err error) {
	s.mu.Lock()
	s.probeErr = err
	s.mu.Unlock()
}

// FailOpen makes OpenClient return err; nil restores normal behavior.
func (s *Store) FailOpen(err error) {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
}

// SetLatency delays every operation by d.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// QueryCount returns how many queries reached the store.
func (s *Store) QueryCount() int64 { return s.queries.Load() }

// OpenCount returns how many clients were opened successfully.
func (s *Store) OpenCount() int64 { return s.opens.Load() }

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// OpenClient implements docdb.ClientFactory.
func (s *Store) OpenClient(ctx context.Context) (docdb.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	err := s.openErr
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	s.opens.Add(1)
	return &client{store: s}, nil
}

func (s *Store) begin(ctx context.Context) error {
	s.mu.Lock()
	latency := s.latency
	var injected error
	if s.failNext > 0 {
		s.failNext--
		injected = s.failErr
	}
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}

type client struct {
	store  *Store
	closed atomic.Bool
}

func (c *client) ExecuteQuery(ctx context.Context, q docdb.Query) (docdb.Result, error) {
	if c.closed.Load() {
		return docdb.Result{}, ErrClosed
	}
	c.store.queries.Add(1)
	if err := c.store.begin(ctx); err != nil {
		return docdb.Result{}, err
	}

	c.store.mu.RLock()
	ids := make([]string, 0, len(c.store.items))
	for id, rec := range c.store.items {
		if matches(rec, q.Params) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	records := make([]docdb.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, clone(c.store.items[id]))
	}
	c.store.mu.RUnlock()

	return docdb.Result{
		Records: records,
		Cost:    1 + 0.5*float64(len(records)),
	}, nil
}

func (c *client) CreateItem(ctx context.Context, rec docdb.Record) (docdb.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.store.begin(ctx); err != nil {
		return nil, err
	}
	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("memdb: record has no id")
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.items[id]; exists {
		return nil, docdb.ErrConflict
	}
	c.store.items[id] = clone(rec)
	return clone(rec), nil
}

func (c *client) ReplaceItem(ctx context.Context, id, partitionKey string, rec docdb.Record) (docdb.Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.store.begin(ctx); err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	existing, ok := c.store.items[id]
	if !ok || !c.store.inPartition(existing, partitionKey) {
		return nil, docdb.ErrNotFound
	}
	next := clone(rec)
	next["id"] = id
	c.store.items[id] = next
	return clone(next), nil
}

func (c *client) DeleteItem(ctx context.Context, id, partitionKey string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.store.begin(ctx); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	existing, ok := c.store.items[id]
	if !ok || !c.store.inPartition(existing, partitionKey) {
		return docdb.ErrNotFound
	}
	delete(c.store.items, id)
	return nil
}

func (c *client) Probe(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return c.store.probeErr
}

func (c *client) Close() error {
	c.closed.Store(true)
	return nil
}

func (s *Store) inPartition(rec docdb.Record, partitionKey string) bool {
	if s.partitionField == "" || partitionKey == "" {
		return true
	}
	return fmt.Sprint(rec[s.partitionField]) == partitionKey
}

func matches(rec docdb.Record, params []docdb.Param) bool {
	for _, p := range params {
		field := strings.TrimPrefix(p.Name, "@")
		v, ok := rec[field]
		if !ok || !reflect.DeepEqual(v, p.Value) {
			return false
		}
	}
	return true
}

func clone(r docdb.Record) docdb.Record {
	out := make(docdb.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

var (
	_ docdb.Client        = (*client)(nil)
	_ docdb.ClientFactory = (*Store)(nil)
)
