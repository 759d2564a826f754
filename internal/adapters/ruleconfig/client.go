// Package ruleconfig fetches the fallback rule table from the external
// configuration endpoint.
package ruleconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
)

// DefaultTimeout bounds one fetch.
const DefaultTimeout = 10 * time.Second

const (
	rulesPath    = "/assignment-rules"
	maxBodyBytes = 1 << 20
)

// ErrDisabled is returned when no endpoint is configured.
var ErrDisabled = errors.New("ruleconfig: endpoint not configured")

// Client reads GET {base}/assignment-rules.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// New returns a Client for base. An empty base yields a disabled client.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.base != "" }

// ruleDoc accepts either a bare array of rules or {"rules": [...]}.
type ruleDoc struct {
	Rules []model.AssignmentRule `json:"rules"`
}

// FetchRules downloads the full rule table.
func (c *Client) FetchRules(ctx context.Context) (model.RuleTable, error) {
	const op = "ruleconfig.FetchRules"
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+rulesPath, nil)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkError, op, err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.TimeoutError, op, err, "rule endpoint timed out")
		}
		return nil, fault.Wrap(fault.NetworkError, op, err, "rule endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.Newf(fault.NetworkError, op, "rule endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fault.Wrap(fault.NetworkError, op, err, "read body")
	}
	rules, err := decode(body)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidData, op, err, "decode rule table")
	}

	table := make(model.RuleTable, len(rules))
	for _, r := range rules {
		key := model.NormalizeType(r.IncidentType)
		if key == "" {
			continue
		}
		r.IncidentType = key
		r.Active = true
		table[key] = r
	}
	return table, nil
}

func decode(body []byte) ([]model.AssignmentRule, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rules []model.AssignmentRule
		if err := json.Unmarshal(body, &rules); err != nil {
			return nil, err
		}
		return rules, nil
	}
	var doc ruleDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc.Rules == nil {
		return nil, fmt.Errorf("missing rules array")
	}
	return doc.Rules, nil
}
