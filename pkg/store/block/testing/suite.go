// Package testing provides a conformance suite for block.Store implementations.
package testing

import (
	"context"
	"testing"

	"github.com/marmos91/dittosnap/pkg/store/block"
)

// StoreTestSuite exercises the block.Store contract. It tests behavior, not
// implementation details, so every backend runs the same suite.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) block.Store {
//	            return mystore.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store for each subtest.
	NewStore func(t *testing.T) block.Store

	// Prefix is prepended to every object name, letting suites share a
	// backend (e.g. one S3 bucket) without interfering.
	Prefix string
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("PutGet", suite.RunPutGetTests)
	t.Run("Errors", suite.RunErrorTests)
	t.Run("Listing", suite.RunListTests)
	t.Run("Concurrency", suite.RunConcurrencyTests)
	t.Run("Lifecycle", suite.RunLifecycleTests)
}

func (suite *StoreTestSuite) store(t *testing.T) block.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (suite *StoreTestSuite) name(n string) string {
	return suite.Prefix + n
}

func testContext() context.Context {
	return context.Background()
}
