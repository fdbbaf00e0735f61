package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loykin/storops"
	"github.com/loykin/storops/pkg/client"
	"github.com/loykin/storops/pkg/unity"
)

// command carries what every subcommand needs.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c command) loadConfig() (*storops.Config, error) {
	cfg, err := storops.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c command) openArray(cfg *storops.Config) (*storops.Array, *slog.Logger, error) {
	log := cfg.Log.NewSlogger()
	a, err := storops.OpenArray(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

// JobGet prints the current snapshot of one job.
func (c command) JobGet(ctx context.Context, id string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	a, _, err := c.openArray(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	job, err := a.Client().GetJob(ctx, id)
	if err != nil {
		return err
	}
	printJSON(c.out, job)
	return nil
}

// JobList fetches all ids with one batched query.
func (c command) JobList(ctx context.Context, ids []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	a, _, err := c.openArray(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	jobs, err := a.Client().ListJobs(ctx, ids)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*unity.Job{}
	}
	printJSON(c.out, jobs)
	return nil
}

// JobWait waits locally, or through a running daemon when APIUrl is set.
func (c command) JobWait(ctx context.Context, id string, f JobWaitFlags) error {
	var (
		job *unity.Job
		err error
	)
	if f.APIUrl != "" {
		cc := client.Config{BaseURL: f.APIUrl}
		if f.APICACert != "" {
			cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.APICACert}
		}
		api := client.New(cc)
		job, err = api.WaitJob(ctx, id, f.Timeout, f.Interval)
	} else {
		cfg, lerr := c.loadConfig()
		if lerr != nil {
			return lerr
		}
		a, _, oerr := c.openArray(cfg)
		if oerr != nil {
			return oerr
		}
		defer func() { _ = a.Close() }()
		job, err = a.WaitJob(ctx, unity.NewJob(id), f.Timeout, f.Interval)
	}
	return c.report(job, err)
}

// report prints the job a wait ended on, including failed ones.
func (c command) report(job *unity.Job, err error) error {
	var stateErr *storops.JobStateError
	var timeoutErr *storops.JobTimeoutError
	switch {
	case err == nil:
		printJSON(c.out, job)
	case errors.As(err, &stateErr):
		printJSON(c.out, stateErr.Job)
	case errors.As(err, &timeoutErr) && timeoutErr.Last != nil:
		printJSON(c.out, timeoutErr.Last)
	}
	return err
}

// Delete removes a filesystem, snapshot or NAS server.
func (c command) Delete(ctx context.Context, kind, id string, f DeleteFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	a, _, err := c.openArray(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	o := storops.DeleteOptions{Async: f.Async, Wait: f.Wait, Timeout: f.Timeout, Interval: f.Interval}
	var res *storops.DeleteResult
	switch kind {
	case "fs":
		res, err = a.DeleteFilesystem(ctx, id, storops.FilesystemDeleteOptions{
			ForceSnapDeletion: f.ForceSnapDelete,
			ForceVvolDeletion: f.ForceVvolDelete,
		}, o)
	case "snap":
		res, err = a.DeleteSnap(ctx, id, o)
	case "nas":
		no := storops.NasServerDeleteOptions{DomainUsername: f.DomainUsername, DomainPassword: f.DomainPassword}
		if f.SkipDomainUnjoin {
			skip := true
			no.SkipDomainUnjoin = &skip
		}
		res, err = a.DeleteNasServer(ctx, id, no, o)
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	if res != nil {
		printJSON(c.out, res)
	}
	return err
}

func (c command) openCache(ctx context.Context, f CacheFlags) (storops.SGCache, error) {
	dsn := strings.TrimSpace(f.DSN)
	if dsn == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		dsn = cfg.Cache.DSN
	}
	return storops.OpenSGCache(ctx, dsn)
}

func (c command) CacheGet(ctx context.Context, key string, f CacheFlags) error {
	cache, err := c.openCache(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	var v any
	ok, err := cache.Get(ctx, key, &v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage group %q is not cached", key)
	}
	printJSON(c.out, v)
	return nil
}

// CacheSet stores raw, which must be a JSON document.
func (c command) CacheSet(ctx context.Context, key, raw string, f CacheFlags) error {
	var v any
	if err := jsonUnmarshal(raw, &v); err != nil {
		return fmt.Errorf("value for %q is not JSON: %w", key, err)
	}
	cache, err := c.openCache(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	return cache.Set(ctx, key, v)
}

func (c command) CacheDelete(ctx context.Context, key string, f CacheFlags) error {
	cache, err := c.openCache(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	return cache.Delete(ctx, key)
}

func (c command) CacheList(ctx context.Context, f CacheFlags) error {
	cache, err := c.openCache(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()
	keys, err := cache.Keys(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, keys)
	return nil
}
