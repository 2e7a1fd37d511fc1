package testing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// RunConcurrencyTests puts and gets distinct objects from many goroutines.
func (suite *StoreTestSuite) RunConcurrencyTests(t *testing.T) {
	s := suite.store(t)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := suite.name(fmt.Sprintf("conc/obj-%02d", i))
			data := pattern(4096, byte(i))

			if err := s.Put(testContext(), name, data, 0); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(data))
			if err := s.Get(testContext(), name, got, 0); err != nil {
				errs <- err
				return
			}
			if got[1] != data[1] || got[4095] != data[4095] {
				errs <- fmt.Errorf("object %s: content mismatch", name)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
