package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// fetcher wraps resty with the retryable transport used for release
// downloads.
type fetcher struct {
	resty  *resty.Client
	logger *zap.Logger
}

func newFetcher(timeout time.Duration, retries int, logger *zap.Logger) *fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(retryClient.RetryWaitMin).
		SetRetryMaxWaitTime(retryClient.RetryWaitMax).
		SetHeader("User-Agent", "termy-provision/1.0").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
		})

	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	return &fetcher{resty: restyClient, logger: logger}
}

// checksum downloads and parses a published checksum file.
func (f *fetcher) checksum(ctx context.Context, url string) (string, error) {
	resp, err := f.resty.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %s: %s", ErrDownloadFailed, url, resp.Status())
	}

	sum, err := ParseChecksum(resp.String())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	return sum, nil
}

// binary streams url into a temp file in dir while hashing it. The caller
// owns the returned file.
func (f *fetcher) binary(ctx context.Context, url, dir string) (string, string, error) {
	resp, err := f.resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return "", "", fmt.Errorf("%w: %s: %s", ErrDownloadFailed, url, resp.Status())
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}

	f.logger.Debug("download complete", zap.String("url", url), zap.Int64("bytes", n))
	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}
