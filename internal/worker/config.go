package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the background job scheduler.
type Config struct {
	// JobTimeout is the maximum time a single run is allowed to take.
	// If a run exceeds this timeout, its context is canceled and it's recorded as failed.
	// Default: 2 minutes
	JobTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for running jobs to finish.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// Location is the time zone cron specs are evaluated in.
	// Default: UTC
	Location *time.Location
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		JobTimeout:      2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		Location:        time.UTC,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.JobTimeout < 1*time.Second {
		return fmt.Errorf("job timeout must be at least 1 second, got %v", c.JobTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	if c.Location == nil {
		return fmt.Errorf("location is required")
	}
	return nil
}
