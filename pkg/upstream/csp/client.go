// Package csp implements the upstream adapter against the CSP tenant API.
package csp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/skillpod/sandbox-broker/pkg/upstream"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	// DELETE calls are slow upstream, allow a generous read timeout.
	DefaultReadTimeout = 15 * time.Second
)

type Config struct {
	BaseURL        string
	APIToken       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ upstream.Client = &Client{}

func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
	}
}

type listResponse struct {
	Sandboxes []upstream.Account `json:"sandboxes"`
}

func (c *Client) ListActive(ctx context.Context) ([]upstream.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sandbox/accounts", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("csp list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("csp list: unexpected status %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("csp list: decode: %w", err)
	}
	accounts := make([]upstream.Account, 0, len(body.Sandboxes))
	for _, acct := range body.Sandboxes {
		if acct.ID == "" {
			klog.InfoS("skipping upstream account without id", "name", acct.Name)
			continue
		}
		if acct.ExternalID == "" {
			acct.ExternalID = acct.ID
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Client) Delete(ctx context.Context, externalID string) (upstream.DeleteResult, error) {
	accountID := AccountIDFromExternalID(externalID)
	if accountID == "" {
		return upstream.TransientFailure, fmt.Errorf("csp delete: empty external id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/sandbox/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return upstream.TransientFailure, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return upstream.TransientFailure, fmt.Errorf("csp delete %s: %w", accountID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return upstream.Deleted, nil
	case resp.StatusCode == http.StatusNotFound:
		return upstream.AlreadyAbsent, nil
	default:
		return upstream.TransientFailure, fmt.Errorf("csp delete %s: unexpected status %d", accountID, resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// AccountIDFromExternalID extracts the deletable resource id from the
// opaque external id the provider returned on list. External ids may be
// path-like ("identity/accounts/<uuid>"); the tail segment is the handle.
func AccountIDFromExternalID(externalID string) string {
	externalID = strings.TrimRight(externalID, "/")
	if i := strings.LastIndex(externalID, "/"); i >= 0 {
		return externalID[i+1:]
	}
	return externalID
}
