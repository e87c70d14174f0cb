package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

const defaultContentType = "text/html; charset=utf-8"

// newFetchTask builds a task that fetches args.urls (comma separated) and
// stores each body under <prefix>/<pipeline>/<sha256>.html. Re-running it
// rewrites the same objects.
func newFetchTask(spec Spec, env Env) (grid.Task, error) {
	if env.Fetcher == nil || env.Hasher == nil || env.Blobs == nil {
		return nil, errors.New("fetch task requires a fetcher, hasher and blob store")
	}
	urls := splitList(spec.Args["urls"])
	if len(urls) == 0 {
		return nil, errors.New("fetch task requires args.urls")
	}
	prefix := spec.Args["prefix"]
	if prefix == "" {
		prefix = "pages"
	}
	logger := env.logger().Named("task").With(
		zap.String("pipeline_id", spec.PipelineID),
		zap.String("stage", spec.Stage),
	)

	return grid.NewTask(spec.TaskID(), func(ctx context.Context) error {
		for _, u := range urls {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("fetch interrupted: %w", err)
			}
			if env.Blocklist != nil && env.Blocklist.Blocked(u) {
				logger.Warn("skipping blocked url", zap.String("url", u))
				continue
			}
			uri, err := fetchOne(ctx, env, u, path.Join(prefix, spec.PipelineID))
			if err != nil {
				return err
			}
			logger.Info("page stored", zap.String("url", u), zap.String("uri", uri))
		}
		return nil
	}), nil
}

func fetchOne(ctx context.Context, env Env, url, dir string) (string, error) {
	var resp FetchResponse
	attempt := func(ctx context.Context) error {
		if env.Limiter != nil {
			if err := env.Limiter.Wait(ctx, url); err != nil {
				return err
			}
		}
		var err error
		if resp, err = env.Fetcher.Fetch(ctx, url); err != nil {
			return err
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
	var err error
	if env.Retry != nil {
		err = env.Retry.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}

	digest, err := env.Hasher.Hash(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", url, err)
	}
	contentType := defaultContentType
	if resp.Headers != nil && resp.Headers.Get("Content-Type") != "" {
		contentType = resp.Headers.Get("Content-Type")
	}
	uri, err := env.Blobs.PutObject(ctx, path.Join(dir, digest+".html"), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("store %s: %w", url, err)
	}
	return uri, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
