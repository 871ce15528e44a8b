package tracechain_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// Property: ComputeHash(x) == ComputeHash(x) regardless of map construction order.
func TestComputeHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ts := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("hash is independent of insertion order", prop.ForAll(
		func(batch string, keys []string, values []string) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			// Later duplicates win in forward order; replay so both maps agree.
			for i := n - 1; i >= 0; i-- {
				if _, ok := backward[keys[i]]; !ok {
					backward[keys[i]] = forward[keys[i]]
				}
			}

			h1, err1 := tracechain.ComputeHash(batch, tracechain.EventPacked, forward, ts, tracechain.GenesisHash)
			h2, err2 := tracechain.ComputeHash(batch, tracechain.EventPacked, backward, ts, tracechain.GenesisHash)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Property: n sequential appends always form one verifiable chain of length n.
func TestChainLinkage(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every append links to its predecessor", prop.ForAll(
		func(payloads []string) bool {
			c := tracechain.NewChain(tracechain.NewMemoryStore(), zap.NewNop())
			var prev *tracechain.TraceEvent
			for _, p := range payloads {
				ev, err := c.Append(ctx, req("prop", tracechain.EventStored, map[string]any{"p": p}))
				if err != nil {
					return false
				}
				if prev == nil && ev.PrevHash != tracechain.GenesisHash {
					return false
				}
				if prev != nil && ev.PrevHash != prev.CurrentHash {
					return false
				}
				prev = ev
			}
			v, err := c.Verify(ctx, "prop")
			return err == nil && v.Valid && v.EventCount == len(payloads)
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
