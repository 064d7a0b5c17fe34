//go:build windows

package winble

import (
	"context"
	"fmt"
	"time"

	"github.com/saltosystems/winrt-go/windows/foundation"
)

// awaitIAsyncOperation polls a WinRT IAsyncOperation to completion,
// respecting ctx. winrt-go's async surface has no channel- or
// callback-based completion notification, so polling GetStatus is the only
// option; 10ms keeps Connect/discovery calls responsive without busy-spinning.
func awaitIAsyncOperation(ctx context.Context, operation foundation.IAsyncOperationer) (interface{}, error) {
	for {
		status, err := operation.GetStatus()
		if err != nil {
			return nil, err
		}
		switch status {
		case foundation.AsyncStatusCompleted:
			return operation.GetResults()
		case foundation.AsyncStatusError:
			return nil, fmt.Errorf("winble: async operation failed")
		case foundation.AsyncStatusCanceled:
			return nil, fmt.Errorf("winble: async operation canceled")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
