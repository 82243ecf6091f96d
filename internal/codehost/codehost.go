// Package codehost defines the code-host adapter interface consumed by the
// resolver, chain manager, and comment poller (§6), plus a generic
// reference implementation that speaks to any REST-ish host exposing PR
// state, branch heads, and base-branch retargeting as JSON. Field
// extraction uses gjson so the adapter tolerates schema drift across hosts
// without a generated client.
package codehost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// PRStatus is the normalized shape every host adapter returns for a PR.
type PRStatus struct {
	Merged                bool
	HasUnresolvedComments bool
	State                 string
}

// Adapter is the host-neutral code-host interface of §6. The consuming
// packages do not import it: resolver.CodeHost, chain.CodeHost, and
// commentpoller.CodeHost are declared locally with their own method names,
// and *HTTPAdapter satisfies all three through the adapter methods at the
// bottom of this file, so no import cycle arises.
type Adapter interface {
	GetPRStatus(ctx context.Context, url string) (PRStatus, error)
	GetBranchHead(ctx context.Context, branch string) (string, error)
	EditPRBase(ctx context.Context, prNumber int, newBase string) error
	MarkPRReady(ctx context.Context, prNumber int) error
}

// HTTPAdapter is a generic JSON-over-HTTP implementation. It expects a
// host exposing roughly GitHub-shaped endpoints but reads every field
// through gjson paths supplied at construction, so it adapts to hosts with
// different JSON shapes without code changes.
type HTTPAdapter struct {
	baseURL    string
	token      string
	client     *http.Client
	limiter    *rate.Limiter
	paths      FieldPaths
}

// FieldPaths customizes the gjson paths used to pull normalized fields out
// of each endpoint's response body.
type FieldPaths struct {
	Merged          string
	UnresolvedCount string
	State           string
	BranchHeadSHA   string
}

// DefaultFieldPaths matches the common GitHub-style REST shape.
func DefaultFieldPaths() FieldPaths {
	return FieldPaths{
		Merged:          "merged",
		UnresolvedCount: "review_comments_unresolved",
		State:           "state",
		BranchHeadSHA:   "commit.sha",
	}
}

// NewHTTPAdapter returns an adapter rate-limited to ratePerSecond requests
// per second, a reasonable default given most hosts' abuse-detection
// thresholds.
func NewHTTPAdapter(baseURL, token string, ratePerSecond float64, paths FieldPaths) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		paths:   paths,
	}
}

func (a *HTTPAdapter) GetPRStatus(ctx context.Context, url string) (PRStatus, error) {
	body, err := a.get(ctx, url)
	if err != nil {
		return PRStatus{}, err
	}
	result := gjson.ParseBytes(body)
	return PRStatus{
		Merged:                result.Get(a.paths.Merged).Bool(),
		HasUnresolvedComments: result.Get(a.paths.UnresolvedCount).Int() > 0,
		State:                 result.Get(a.paths.State).String(),
	}, nil
}

func (a *HTTPAdapter) unresolvedCount(ctx context.Context, url string) (int, error) {
	body, err := a.get(ctx, url)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(body, a.paths.UnresolvedCount).Int()), nil
}

func (a *HTTPAdapter) GetBranchHead(ctx context.Context, branch string) (string, error) {
	body, err := a.get(ctx, a.baseURL+"/branches/"+branch)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, a.paths.BranchHeadSHA).String(), nil
}

func (a *HTTPAdapter) EditPRBase(ctx context.Context, prNumber int, newBase string) error {
	payload := []byte(fmt.Sprintf(`{"base":%q}`, newBase))
	return a.patch(ctx, fmt.Sprintf("%s/pulls/%d", a.baseURL, prNumber), payload)
}

func (a *HTTPAdapter) MarkPRReady(ctx context.Context, prNumber int) error {
	payload := []byte(`{"draft":false}`)
	return a.patch(ctx, fmt.Sprintf("%s/pulls/%d", a.baseURL, prNumber), payload)
}

func (a *HTTPAdapter) get(ctx context.Context, url string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	a.authorize(req)
	return a.do(req)
}

func (a *HTTPAdapter) patch(ctx context.Context, url string, payload []byte) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)
	_, err = a.do(req)
	return err
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func (a *HTTPAdapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codehost: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codehost: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("codehost: %s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, body)
	}
	return body, nil
}

// IsMerged adapts GetPRStatus for the resolver and chain manager's
// narrower interfaces, which key off a branch or PR url rather than the
// full status struct.
func (a *HTTPAdapter) IsMerged(ctx context.Context, url string) (bool, error) {
	status, err := a.GetPRStatus(ctx, url)
	if err != nil {
		return false, err
	}
	return status.Merged, nil
}

// HasUnresolvedComments adapts GetPRStatus for resolver.CodeHost.
func (a *HTTPAdapter) HasUnresolvedComments(ctx context.Context, url string) (bool, error) {
	status, err := a.GetPRStatus(ctx, url)
	if err != nil {
		return false, err
	}
	return status.HasUnresolvedComments, nil
}

// BranchHead adapts GetBranchHead for chain.CodeHost.
func (a *HTTPAdapter) BranchHead(ctx context.Context, branch string) (string, error) {
	return a.GetBranchHead(ctx, branch)
}

// RetargetBase adapts EditPRBase for chain.CodeHost.
func (a *HTTPAdapter) RetargetBase(ctx context.Context, prNumber int, newBase string) error {
	return a.EditPRBase(ctx, prNumber, newBase)
}

// MarkReadyForReview adapts MarkPRReady for chain.CodeHost.
func (a *HTTPAdapter) MarkReadyForReview(ctx context.Context, prNumber int) error {
	return a.MarkPRReady(ctx, prNumber)
}

// UnresolvedCommentCount adapts the raw count for commentpoller.CodeHost's
// watermark comparison.
func (a *HTTPAdapter) UnresolvedCommentCount(ctx context.Context, url string) (int, error) {
	return a.unresolvedCount(ctx, url)
}
