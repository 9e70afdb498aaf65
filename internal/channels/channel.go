// Package channels delivers operational alerts (quota thresholds, worker
// failure streaks, published tasks) to messaging platforms. Delivery is
// best effort: an alert that cannot be sent is logged and dropped, never
// fed back into the pipeline.
package channels

import (
	"context"
)

// Channel defines the interface for an alert delivery integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Notify delivers one alert message.
	Notify(ctx context.Context, text string) error
}
