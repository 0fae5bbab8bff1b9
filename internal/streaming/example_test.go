package streaming_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// ExampleListenerFuncs shows registering an ad-hoc listener with a Registry.
func ExampleListenerFuncs() {
	reg := streaming.NewRegistry(streaming.RegistryConfig{Timeout: time.Second})
	l := &streaming.ListenerFuncs{
		Started: func(_ context.Context, evt streaming.QueryStartedEvent) error {
			fmt.Println("started", evt.Name)
			return nil
		},
	}
	_ = reg.Add(l)
	reg.Dispatch(streaming.QueryStartedEvent{Name: "clicks"})
	reg.Remove(l)
	reg.Dispatch(streaming.QueryStartedEvent{Name: "ignored"})
	// Output: started clicks
}
