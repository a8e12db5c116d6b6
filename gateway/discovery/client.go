// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package discovery finds the cloud projects a credential can route
// requests through.
package discovery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Error is the default error class for the discovery package.
	Error = errs.Class("discovery")

	mon = monkit.Package()
)

// serviceName is the service that must be enabled on a project before
// the gateway can send generation requests through it.
const serviceName = "cloudaicompanion.googleapis.com"

// Config configures the discovery client.
type Config struct {
	ResourceManagerURL string        `help:"cloud resource manager base url" default:"https://cloudresourcemanager.googleapis.com"`
	ServiceUsageURL    string        `help:"service usage base url" default:"https://serviceusage.googleapis.com"`
	Timeout            time.Duration `help:"per call timeout" default:"30s"`
}

// Project is one cloud project visible to a credential.
type Project struct {
	ID             string `json:"projectId"`
	Name           string `json:"name"`
	Number         string `json:"projectNumber"`
	LifecycleState string `json:"lifecycleState"`
}

// Client talks to the resource manager and service usage APIs.
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

// NewClient constructs a Client. A nil httpClient selects a plain
// default; per call timeouts come from the config regardless.
func NewClient(log *zap.Logger, config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.ResourceManagerURL == "" {
		config.ResourceManagerURL = "https://cloudresourcemanager.googleapis.com"
	}
	if config.ServiceUsageURL == "" {
		config.ServiceUsageURL = "https://serviceusage.googleapis.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		log:    log,
		config: config,
		http:   httpClient,
	}
}

// ListActiveProjects pages through every active project the access
// token can see.
func (client *Client) ListActiveProjects(ctx context.Context, accessToken string) (_ []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var projects []Project
	pageToken := ""
	for {
		page, next, err := client.listPage(ctx, accessToken, pageToken)
		if err != nil {
			return nil, err
		}
		projects = append(projects, page...)
		if next == "" {
			return projects, nil
		}
		pageToken = next
	}
}

func (client *Client) listPage(ctx context.Context, accessToken, pageToken string) (_ []Project, next string, err error) {
	query := url.Values{}
	query.Set("filter", "lifecycleState:ACTIVE")
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	endpoint := client.config.ResourceManagerURL + "/v1/projects?" + query.Encode()

	body, err := client.get(ctx, endpoint, accessToken)
	if err != nil {
		return nil, "", err
	}

	var decoded struct {
		Projects      []Project `json:"projects"`
		NextPageToken string    `json:"nextPageToken"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, "", Error.Wrap(err)
	}
	return decoded.Projects, decoded.NextPageToken, nil
}

// ServiceEnabled reports whether the companion service is enabled on
// a project.
func (client *Client) ServiceEnabled(ctx context.Context, accessToken, projectID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	endpoint := client.config.ServiceUsageURL + "/v1/projects/" + projectID + "/services/" + serviceName
	body, err := client.get(ctx, endpoint, accessToken)
	if err != nil {
		return false, err
	}

	var decoded struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, Error.Wrap(err)
	}
	return decoded.State == "ENABLED", nil
}

// EnabledProjects returns the IDs of active projects with the
// companion service enabled, sorted. Projects whose service state
// cannot be read are skipped with a warning.
func (client *Client) EnabledProjects(ctx context.Context, accessToken string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	projects, err := client.ListActiveProjects(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var enabled []string

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, project := range projects {
		group.Go(func() error {
			ok, err := client.ServiceEnabled(groupCtx, accessToken, project.ID)
			if err != nil {
				client.log.Warn("service state check failed",
					zap.String("project_id", project.ID), zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				enabled = append(enabled, project.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(enabled)
	return enabled, nil
}

func (client *Client) get(ctx context.Context, endpoint, accessToken string) (_ []byte, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, client.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("%s returned status %d", endpoint, resp.StatusCode)
	}
	return body, nil
}
