package streamlog

import "github.com/streamlog/streamlog/position"

// Future is the Log Writer's write-completion handle. It resolves
// exactly once, with the record's assigned Position or the error that
// caused it (or the stream) to fail.
type Future struct {
	ch chan futureResult
}

type futureResult struct {
	pos position.Position
	err error
}

func newFuture() *Future {
	return &Future{ch: make(chan futureResult, 1)}
}

func (f *Future) resolve(pos position.Position) {
	f.ch <- futureResult{pos: pos}
}

func (f *Future) fail(err error) {
	f.ch <- futureResult{err: err}
}

// Wait blocks until the future resolves, returning its Position or
// error.
func (f *Future) Wait() (position.Position, error) {
	r := <-f.ch
	return r.pos, r.err
}

// BulkFuture resolves once a write_bulk batch has been submitted to
// the current segment writer, yielding the per-record futures in
// submission order (spec §4.2).
type BulkFuture struct {
	ch chan bulkResult
}

type bulkResult struct {
	futures []*Future
	err     error
}

func newBulkFuture() *BulkFuture {
	return &BulkFuture{ch: make(chan bulkResult, 1)}
}

func (f *BulkFuture) resolve(futures []*Future) {
	f.ch <- bulkResult{futures: futures}
}

func (f *BulkFuture) fail(err error) {
	f.ch <- bulkResult{err: err}
}

// Wait blocks until the batch has been submitted, returning the
// per-record futures or the submission error.
func (f *BulkFuture) Wait() ([]*Future, error) {
	r := <-f.ch
	return r.futures, r.err
}
