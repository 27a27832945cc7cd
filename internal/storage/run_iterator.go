package storage

import (
	"context"
)

// RunIteratorOptions configures the run iterator.
type RunIteratorOptions struct {
	// BatchSize is the number of runs to fetch per batch.
	// Default: 500
	BatchSize int

	// StatusFilter restricts iteration to runs in one status.
	StatusFilter RunStatus
}

// RunIterator provides streaming access to the runs bound to a DSL
// version. Migration tooling walks every run under a draining version;
// this avoids loading them all into memory at once.
type RunIterator struct {
	storage    Storage
	ctx        context.Context
	dslVersion string
	status     RunStatus
	batchSize  int
	buffer     []*ProcessRun
	bufferIdx  int
	offset     int
	done       bool
	err        error
}

// NewRunIterator creates an iterator over the runs bound to dslVersion.
func NewRunIterator(ctx context.Context, storage Storage, dslVersion string, opts *RunIteratorOptions) *RunIterator {
	batchSize := 500
	var status RunStatus
	if opts != nil {
		if opts.BatchSize > 0 {
			batchSize = opts.BatchSize
		}
		status = opts.StatusFilter
	}

	return &RunIterator{
		storage:    storage,
		ctx:        ctx,
		dslVersion: dslVersion,
		status:     status,
		batchSize:  batchSize,
	}
}

// Next returns the next run.
// Returns (run, true) if a run is available, (nil, false) if no more runs.
// Check Err() after iteration to see if an error occurred.
func (it *RunIterator) Next() (*ProcessRun, bool) {
	if it.done || it.err != nil {
		return nil, false
	}

	if it.buffer == nil || it.bufferIdx >= len(it.buffer) {
		if err := it.fetchBatch(); err != nil {
			it.err = err
			return nil, false
		}
		if len(it.buffer) == 0 {
			it.done = true
			return nil, false
		}
	}

	run := it.buffer[it.bufferIdx]
	it.bufferIdx++
	return run, true
}

// fetchBatch fetches the next batch of runs from storage.
func (it *RunIterator) fetchBatch() error {
	runs, err := it.storage.ListRuns(it.ctx, ListRunsOptions{
		DSLVersion:   it.dslVersion,
		StatusFilter: it.status,
		Limit:        it.batchSize,
		Offset:       it.offset,
	})
	if err != nil {
		return err
	}

	it.buffer = runs
	it.bufferIdx = 0
	it.offset += len(runs)

	if len(runs) == 0 {
		it.done = true
	}
	return nil
}

// Err returns any error that occurred during iteration.
func (it *RunIterator) Err() error {
	return it.err
}

// Close releases any resources held by the iterator.
func (it *RunIterator) Close() error {
	it.done = true
	it.buffer = nil
	return nil
}

// Collect reads all remaining runs into a slice. Prefer Next() when the
// version may have a large number of runs.
func (it *RunIterator) Collect() ([]*ProcessRun, error) {
	var all []*ProcessRun
	for {
		run, ok := it.Next()
		if !ok {
			break
		}
		all = append(all, run)
	}
	if it.err != nil {
		return nil, it.err
	}
	return all, nil
}
