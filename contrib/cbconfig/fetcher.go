/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus is returned when the config endpoint replies with a
// non-200 status code.
var ErrUnexpectedStatus = errors.New("unexpected http status")

type FetcherOptions struct {
	HttpClient *http.Client
	Host       string
	Username   string
	Password   string
	Logger     *zap.Logger
}

// Fetcher retrieves terse configs from the cluster management REST API.
type Fetcher struct {
	httpClient *http.Client
	host       string
	username   string
	password   string
	logger     *zap.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		httpClient: httpClient,
		host:       opts.Host,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

// used to derive the hostname to use for $HOST replacement
func (f *Fetcher) deriveHostname() string {
	u, err := url.Parse(f.host)
	if err != nil || u.Hostname() == "" {
		return f.host
	}

	return u.Hostname()
}

func (f *Fetcher) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	url := f.host + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	if f.username != "" || f.password != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	return req, nil
}

func (f *Fetcher) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := f.newRequest(ctx, "GET", path)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)

	// make sure the body is closed
	closeErr := resp.Body.Close()
	if closeErr != nil {
		f.logger.Error("unexpected close error", zap.Error(closeErr))
	}

	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrUnexpectedStatus, "%s returned %d", path, resp.StatusCode)
	}

	return body, nil
}

func (f *Fetcher) doGetConfig(ctx context.Context, path string) (*ConfigValue, error) {
	configBytes, err := f.doGet(ctx, path)
	if err != nil {
		return nil, err
	}

	hostname := f.deriveHostname()
	f.logger.Debug("fetched config",
		zap.String("path", path),
		zap.String("sourceHost", hostname),
		zap.Int("size", len(configBytes)))

	return ParseConfigValue(configBytes, hostname)
}

// FetchNodeServices fetches the cluster level config.
func (f *Fetcher) FetchNodeServices(ctx context.Context) (*ConfigValue, error) {
	return f.doGetConfig(ctx, "/pools/default/nodeServices")
}

// FetchTerseBucket fetches the terse config of a bucket.
func (f *Fetcher) FetchTerseBucket(ctx context.Context, bucketName string) (*ConfigValue, error) {
	return f.doGetConfig(ctx, fmt.Sprintf("/pools/default/b/%s", url.PathEscape(bucketName)))
}
