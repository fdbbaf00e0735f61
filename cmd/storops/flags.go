package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type JobWaitFlags struct {
	Timeout  time.Duration
	Interval time.Duration
	// Remote daemon connection
	APIUrl    string
	APICACert string
}

type DeleteFlags struct {
	Async    bool
	Wait     bool
	Timeout  time.Duration
	Interval time.Duration

	// filesystem
	ForceSnapDelete bool
	ForceVvolDelete bool

	// NAS server
	SkipDomainUnjoin bool
	DomainUsername   string
	DomainPassword   string
}

type CacheFlags struct {
	DSN string
}

type ServeFlags struct {
	Listen   string
	BasePath string
}
