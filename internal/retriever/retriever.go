// Package retriever defines the pluggable per-identity data producers run by
// the worker pool, and the chain that runs them in registration order.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"iam-advisor/internal/models"
)

const (
	// ARNKey holds the identity the accumulator was created for.
	ARNKey = "arn"
	// ServiceUsageKey holds the []models.ServiceAccessRecord produced by
	// the access advisor retriever.
	ServiceUsageKey = "access_advisor"
)

// Data is the accumulator passed along a retriever chain. Retrievers add
// their own keys and must keep the keys written before them.
type Data map[string]any

// NewData returns the initial accumulator for arn.
func NewData(arn string) Data {
	return Data{ARNKey: arn}
}

// ARN returns the identity the accumulator belongs to.
func (d Data) ARN() string {
	arn, _ := d[ARNKey].(string)
	return arn
}

// ServiceUsage returns the records stored under ServiceUsageKey and whether
// any retriever produced them.
func (d Data) ServiceUsage() ([]models.ServiceAccessRecord, bool) {
	records, ok := d[ServiceUsageKey].([]models.ServiceAccessRecord)
	return records, ok
}

// Retriever produces data for a single identity.
type Retriever interface {
	// Name identifies the retriever in logs and errors.
	Name() string
	// Run returns data extended with the retriever's contribution. A
	// retriever that has nothing to add for a transient reason returns data
	// unchanged and a nil error.
	Run(ctx context.Context, arn string, data Data) (Data, error)
}

// Error attributes a retrieval failure to the retriever that raised it.
type Error struct {
	Retriever string
	ARN       string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retriever %s failed for %s: %v", e.Retriever, e.ARN, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrEmptyChain is returned when a chain with no retrievers is run.
var ErrEmptyChain = errors.New("no retrievers registered")

// Chain runs retrievers in the order they were registered.
type Chain struct {
	mu         sync.RWMutex
	retrievers []Retriever
}

// Register appends r to the chain.
func (c *Chain) Register(r Retriever) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrievers = append(c.retrievers, r)
}

// Len is the number of registered retrievers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.retrievers)
}

// Run passes a fresh accumulator for arn through every retriever. The first
// failure stops the chain and is returned as an *Error, unless it is a
// context error which is returned as is.
func (c *Chain) Run(ctx context.Context, arn string) (Data, error) {
	c.mu.RLock()
	retrievers := append([]Retriever(nil), c.retrievers...)
	c.mu.RUnlock()

	if len(retrievers) == 0 {
		return nil, ErrEmptyChain
	}

	data := NewData(arn)
	for _, r := range retrievers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := r.Run(ctx, arn, data)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil, err
			}
			var tagged *Error
			if errors.As(err, &tagged) {
				return nil, err
			}
			return nil, &Error{Retriever: r.Name(), ARN: arn, Err: err}
		}
		if out != nil {
			data = out
		}
	}
	return data, nil
}
