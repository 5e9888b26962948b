package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// Batch is a group of stacked samples
type Batch struct {
	Index   int            // Batch number within the epoch
	Images  *tensor.Tensor // [N, 3, H, W]
	Targets *tensor.Tensor // [N, S, S, C+5B]
	Items   []int          // Index of each sample in the Source
}

func (b *Batch) Size() int {
	return len(b.Items)
}

// Loader splits a Source into batches, and prepares upcoming batches on background goroutines
type Loader struct {
	Source     Source
	BatchSize  int
	Shuffle    bool
	DropLast   bool // Discard the final batch if it is smaller than BatchSize
	NumWorkers int  // Number of goroutines decoding images. Zero means decode on the caller's goroutine.
	rng        *rand.Rand
}

func NewLoader(source Source, batchSize int, shuffle, dropLast bool, numWorkers int, seed int64) *Loader {
	return &Loader{
		Source:     source,
		BatchSize:  max(1, batchSize),
		Shuffle:    shuffle,
		DropLast:   dropLast,
		NumWorkers: numWorkers,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NumBatches returns the number of batches in one epoch
func (l *Loader) NumBatches() int {
	n := l.Source.Len()
	if l.DropLast {
		return n / l.BatchSize
	}
	return (n + l.BatchSize - 1) / l.BatchSize
}

// epochOrder returns the sample indices of every batch for one epoch
func (l *Loader) epochOrder() [][]int {
	order := make([]int, l.Source.Len())
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	batches := [][]int{}
	for start := 0; start < len(order); start += l.BatchSize {
		end := min(len(order), start+l.BatchSize)
		if l.DropLast && end-start < l.BatchSize {
			break
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

func (l *Loader) makeBatch(index int, items []int) (*Batch, error) {
	images := make([]*tensor.Tensor, len(items))
	targets := make([]*tensor.Tensor, len(items))
	for i, item := range items {
		img, target, err := l.Source.Item(item)
		if err != nil {
			return nil, fmt.Errorf("Item %v: %w", item, err)
		}
		images[i] = img
		targets[i] = target
	}
	return &Batch{
		Index:   index,
		Images:  tensor.Stack(images),
		Targets: tensor.Stack(targets),
		Items:   items,
	}, nil
}

type batchResult struct {
	batch *Batch
	err   error
}

// Iterate runs one epoch, calling fn with every batch, in order.
// Batches are prepared ahead of time by NumWorkers goroutines, with at most 2*NumWorkers
// batches in flight. Iteration stops at the first error from the Source or from fn,
// or when ctx is cancelled.
func (l *Loader) Iterate(ctx context.Context, fn func(b *Batch) error) error {
	order := l.epochOrder()
	if l.NumWorkers <= 0 {
		for i, items := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := l.makeBatch(i, items)
			if err != nil {
				return err
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan batchResult, len(order))
	for i := range results {
		results[i] = make(chan batchResult, 1)
	}
	jobs := make(chan int)
	inflight := make(chan struct{}, 2*l.NumWorkers)

	var wg sync.WaitGroup
	for w := 0; w < l.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				b, err := l.makeBatch(i, order[i])
				results[i] <- batchResult{batch: b, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range order {
			select {
			case inflight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var firstErr error
	for i := range order {
		var r batchResult
		select {
		case r = <-results[i]:
		case <-ctx.Done():
			firstErr = ctx.Err()
		}
		if firstErr != nil {
			break
		}
		<-inflight
		if r.err != nil {
			firstErr = r.err
			break
		}
		if err := fn(r.batch); err != nil {
			firstErr = err
			break
		}
	}
	cancel()
	wg.Wait()
	return firstErr
}
