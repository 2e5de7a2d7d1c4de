package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/nearcache/cluster"
	"github.com/unkn0wn-root/nearcache/metadata"
	"github.com/unkn0wn-root/nearcache/transport"
)

const defaultMaxBody = 8 << 20

// Client implements transport.Transport over HTTP.
type Client struct {
	hc      *http.Client
	resolve func(cluster.Member) (string, bool)
	members func() []cluster.Member
	format  Format
	maxBody int
}

var _ transport.Transport = (*Client)(nil)

type ClientOptions struct {
	// Members lists candidates for AssignUUIDs, tried in order. Required.
	Members func() []cluster.Member
	// Resolver maps a member to its base URL (scheme+host).
	// Default: "http://" + member.Address.
	Resolver func(cluster.Member) (string, bool)
	// HTTPClient defaults to a client without timeout; deadlines come from ctx.
	HTTPClient *http.Client
	// Timeout, when > 0, is set on the default HTTP client.
	Timeout time.Duration
	// Format defaults to Protobuf.
	Format *Format
	// MaxResponseBytes caps decoded bodies. 0 => 8 MiB, < 0 => unlimited.
	MaxResponseBytes int
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Members == nil {
		return nil, errors.New("httpx: Members is required")
	}
	c := &Client{
		hc:      opts.HTTPClient,
		resolve: opts.Resolver,
		members: opts.Members,
		format:  Protobuf(),
		maxBody: opts.MaxResponseBytes,
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: opts.Timeout}
	}
	if c.resolve == nil {
		c.resolve = func(m cluster.Member) (string, bool) {
			if m.Address == "" {
				return "", false
			}
			return "http://" + m.Address, true
		}
	}
	if opts.Format != nil {
		c.format = *opts.Format
	}
	if c.maxBody == 0 {
		c.maxBody = defaultMaxBody
	}
	c.format = c.format.limited(c.maxBody)
	return c, nil
}

func (c *Client) FetchMetadata(ctx context.Context, member cluster.Member, names []string) (*metadata.Response, error) {
	body, err := c.format.Request.Encode(metadata.FetchRequest{Names: names})
	if err != nil {
		return nil, fmt.Errorf("httpx: encode request: %w", err)
	}
	raw, err := c.post(ctx, member, PathMetadata, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.format.Response.Decode(raw)
	if err != nil {
		return nil, &transport.DecodeError{Member: member.ID, Err: err}
	}
	if resp.Member == "" {
		resp.Member = member.ID
	}
	return &resp, nil
}

// AssignUUIDs asks members in order until one answers.
func (c *Client) AssignUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	lastErr := transport.ErrMemberUnreachable
	for _, m := range c.members() {
		if m.Lite {
			continue
		}
		raw, err := c.post(ctx, m, PathUUIDs, nil)
		if err == nil {
			var resp metadata.AssignResponse
			resp, err = c.format.Assign.Decode(raw)
			if err == nil {
				return resp.UUIDs, nil
			}
			err = &transport.DecodeError{Member: m.ID, Err: err}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, member cluster.Member, path string, body []byte) ([]byte, error) {
	base, ok := c.resolve(member)
	if !ok {
		return nil, fmt.Errorf("%w: no address for %q", transport.ErrMemberUnreachable, member.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpx: new request: %w", err)
	}
	ct := c.format.ContentType()
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Accept", ct)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpx: %s %s: %w", member.ID, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: %s answered %d", transport.ErrMemberUnreachable, member.ID, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("httpx: %s %s: status %d: %s", member.ID, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	r := io.Reader(resp.Body)
	if c.maxBody > 0 {
		// one extra byte lets the Limit codec see the overflow
		r = io.LimitReader(resp.Body, int64(c.maxBody)+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("httpx: read body from %s: %w", member.ID, err)
	}
	return raw, nil
}
