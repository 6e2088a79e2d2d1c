// Package kubo implements overlay.Network on top of an external Kubo daemon's
// HTTP RPC API.
package kubo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baderanaas/GoLobby/pkg/overlay"
	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	// NameLifetime is how long a published name record stays valid.
	NameLifetime = 48 * time.Hour
	errBodyLimit = 4 << 10
)

// Options configure a Client.
type Options struct {
	// HTTPClient is used for every call. It must not set a global timeout
	// because subscriptions are long-lived streams; deadlines come from the
	// caller's context.
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client speaks the Kubo RPC API at baseURL.
type Client struct {
	base string
	http *http.Client
	log  logrus.FieldLogger
	self peer.ID
}

var _ overlay.Network = (*Client)(nil)

// rpcError is the error body Kubo answers with.
type rpcError struct {
	Message string
	Code    int
	Type    string
}

func (e *rpcError) Error() string { return "kubo: " + e.Message }

// Dial connects to the daemon at baseURL (e.g. http://127.0.0.1:5001) and
// learns its peer id.
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: opts.HTTPClient,
		log:  opts.Logger.WithField("component", "kubo"),
	}
	var out struct {
		ID string
	}
	if err := c.call(ctx, "id", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to identify daemon: %w", err)
	}
	id, err := peer.Decode(out.ID)
	if err != nil {
		return nil, fmt.Errorf("daemon returned invalid peer id: %w", err)
	}
	c.self = id
	c.log.WithField("peer", id).Info("connected to daemon")
	return c, nil
}

func (c *Client) Self() peer.ID { return c.self }

// Store puts data as a raw block so its CID matches overlay.Sum.
func (c *Client) Store(ctx context.Context, data []byte) (cid.Cid, error) {
	var out struct {
		Key string
	}
	args := url.Values{"cid-codec": {"raw"}, "mhtype": {"sha2-256"}}
	if err := c.call(ctx, "block/put", args, data, &out); err != nil {
		return cid.Undef, err
	}
	got, err := cid.Decode(out.Key)
	if err != nil {
		return cid.Undef, fmt.Errorf("daemon returned invalid cid: %w", err)
	}
	return got, nil
}

func (c *Client) Fetch(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "block/get", url.Values{"arg": {id.String()}}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) PublishName(ctx context.Context, id cid.Cid) error {
	args := url.Values{
		"arg":           {"/ipfs/" + id.String()},
		"allow-offline": {"true"},
		"lifetime":      {NameLifetime.String()},
	}
	return c.call(ctx, "name/publish", args, nil, nil)
}

func (c *Client) ResolveName(ctx context.Context, id peer.ID) (cid.Cid, error) {
	var out struct {
		Path string
	}
	args := url.Values{"arg": {"/ipns/" + id.String()}, "nocache": {"true"}}
	if err := c.call(ctx, "name/resolve", args, nil, &out); err != nil {
		if errors.Is(err, overlay.ErrNotFound) {
			return cid.Undef, fmt.Errorf("%w: %s", overlay.ErrNameNotFound, id)
		}
		return cid.Undef, err
	}
	got, err := cid.Decode(strings.TrimPrefix(out.Path, "/ipfs/"))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %s resolved to %q", overlay.ErrNameNotFound, id, out.Path)
	}
	return got, nil
}

func (c *Client) Pin(ctx context.Context, id cid.Cid) error {
	return c.call(ctx, "pin/add", url.Values{"arg": {id.String()}}, nil, nil)
}

func (c *Client) Unpin(ctx context.Context, id cid.Cid) error {
	return c.call(ctx, "pin/rm", url.Values{"arg": {id.String()}}, nil, nil)
}

// call posts to the command and decodes a JSON answer into out when non-nil.
func (c *Client) call(ctx context.Context, cmd string, args url.Values, file []byte, out any) error {
	resp, err := c.post(ctx, cmd, args, file)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", cmd, err)
	}
	return nil
}

// post issues the request and returns the response on 200. The caller owns
// the body.
func (c *Client) post(ctx context.Context, cmd string, args url.Values, file []byte) (*http.Response, error) {
	target := c.base + "/api/v0/" + cmd
	if len(args) > 0 {
		target += "?" + args.Encode()
	}

	var body io.Reader
	contentType := ""
	if file != nil {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "data")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(file); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		body, contentType = &buf, mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kubo %s: %w", cmd, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(cmd, resp)
}

func decodeError(cmd string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	e := &rpcError{}
	if err := json.Unmarshal(raw, e); err != nil || e.Message == "" {
		e.Message = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	msg := strings.ToLower(e.Message)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "could not resolve") {
		return fmt.Errorf("%s: %w: %w", cmd, overlay.ErrNotFound, e)
	}
	return fmt.Errorf("%s: %w", cmd, e)
}
