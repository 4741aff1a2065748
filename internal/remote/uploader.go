package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/events"
	"github.com/carlosprados/devloop/internal/overrides"
)

// DefaultRetryWait is the pause between upload attempts that failed to
// reach the server.
const DefaultRetryWait = 2 * time.Second

var ErrUnexpectedStatus = errors.New("unexpected response status")

// Uploader posts override tables to a remote restart handler. Connection
// failures are retried until the context ends; any response other than 200
// fails the upload.
type Uploader struct {
	url    string
	secret string
	client *retryablehttp.Client
}

type UploaderOption func(*retryablehttp.Client)

func WithRetryWait(d time.Duration) UploaderOption {
	return func(c *retryablehttp.Client) {
		if d > 0 {
			c.RetryWaitMin, c.RetryWaitMax = d, d
		}
	}
}

// WithRetryMax bounds the number of retries. Negative values are ignored.
func WithRetryMax(n int) UploaderOption {
	return func(c *retryablehttp.Client) {
		if n >= 0 {
			c.RetryMax = n
		}
	}
}

func WithHTTPClient(hc *http.Client) UploaderOption {
	return func(c *retryablehttp.Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

func NewUploader(rawURL, secret string, opts ...UploaderOption) (*Uploader, error) {
	if rawURL == "" {
		return nil, errors.New("remote URL must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("malformed remote URL %q", rawURL)
	}
	if secret == "" {
		return nil, ErrEmptySecret
	}
	client := retryablehttp.NewClient()
	client.RetryMax = math.MaxInt32
	client.RetryWaitMin = DefaultRetryWait
	client.RetryWaitMax = DefaultRetryWait
	client.Logger = nil
	client.CheckRetry = retryOnConnectionError
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warn().Str("url", req.URL.String()).Int("attempt", attempt).Msg("retrying upload")
		}
	}
	for _, o := range opts {
		o(client)
	}
	return &Uploader{url: u.String(), secret: secret, client: client}, nil
}

// retryOnConnectionError retries transport failures only. A server that
// answered, whatever the status, is not asked again.
func retryOnConnectionError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		log.Warn().Err(err).Msg("upload failed, will retry")
		return true, nil
	}
	return false, nil
}

func (u *Uploader) URL() string { return u.url }

// Upload sends t and waits for the server to accept it.
func (u *Uploader) Upload(ctx context.Context, t *overrides.Table) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, u.secret)
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload to %s: %w", u.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s uploading class files", ErrUnexpectedStatus, resp.Status)
	}
	n := t.Size()
	noun := "resources"
	if n == 1 {
		noun = "resource"
	}
	log.Info().Str("url", u.url).Msgf("Uploaded %d class %s", n, noun)
	return nil
}

// UploadChangeSet reads the changed files from disk and uploads them.
func (u *Uploader) UploadChangeSet(ctx context.Context, ev events.ClassPathChangedEvent) error {
	t, err := overrides.FromChangeSet(ev.ChangeSet)
	if err != nil {
		return fmt.Errorf("collect changed files: %w", err)
	}
	return u.Upload(ctx, t)
}

// EventHandler returns a bus handler uploading every classpath change. ctx
// bounds each upload.
func (u *Uploader) EventHandler(ctx context.Context) events.Handler {
	return func(ev events.Event) {
		cp, ok := ev.(events.ClassPathChangedEvent)
		if !ok {
			return
		}
		if err := u.UploadChangeSet(ctx, cp); err != nil {
			log.Error().Err(err).Str("event", cp.ID).Msg("upload classpath change")
		}
	}
}
