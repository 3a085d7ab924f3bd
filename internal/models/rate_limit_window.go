// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// RateLimitWindow is the persisted fixed-window counter for one identifier.
type RateLimitWindow struct {
	Identifier  string    `db:"identifier"`
	WindowStart time.Time `db:"window_start"`
	Hits        int       `db:"hits"`
}

// ResetAt returns when the window ends.
func (w *RateLimitWindow) ResetAt(window time.Duration) time.Time {
	return w.WindowStart.Add(window)
}
