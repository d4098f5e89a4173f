/*
Copyright 2026 The Screwdriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apiclient is the retrying outbound caller to the control-plane
// ("Screwdriver API") for posting build events and updating build status,
// per spec.md §4.5.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

const (
	retries    = 3
	retryDelay = 5 * time.Second
)

// Creator identifies the broker as the author of scheduler-initiated events.
var Creator = struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}{Name: "Screwdriver scheduler", Username: "sd:scheduler"}

// EventBody is the JSON body posted to POST {apiUri}/v4/events.
type EventBody struct {
	PipelineID    int64  `json:"pipelineId"`
	StartFrom     string `json:"startFrom"`
	Creator       any    `json:"creator"`
	CauseMessage  string `json:"causeMessage,omitempty"`
	ParentEventID int64  `json:"parentEventId,omitempty"`
	BuildID       int64  `json:"buildId,omitempty"`
}

// statusBody is the JSON body sent to PUT {apiUri}/v4/builds/{buildId}.
type statusBody struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage"`
}

// Client posts events and status updates to the control-plane API.
type Client struct {
	http *retryablehttp.Client
	log  *logrus.Entry
}

// New builds a Client whose retry policy matches spec.md §4.5: limit 3,
// fixed 5-second delay, except that a 404 from PostEvent is terminal
// success rather than a retryable failure.
func New(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = retryDelay
	rc.RetryWaitMax = retryDelay
	rc.Logger = nil
	return &Client{http: rc, log: log.WithField("component", "apiclient")}
}

// PostEvent posts body to {apiUri}/v4/events with jwt bearer auth.
// HTTP 201 is success. HTTP 404 ("no job to start") is treated as
// terminal success, never retried.
func (c *Client) PostEvent(ctx context.Context, apiUri, jwt string, body EventBody) error {
	body.Creator = Creator
	payload, err := json.Marshal(body)
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiUri+"/v4/events", bytes.NewReader(payload))
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)

	rc := c.clientWithCheck(func(resp *http.Response) (bool, error) {
		if resp.StatusCode == http.StatusNotFound {
			return false, nil // terminal, not an error
		}
		if resp.StatusCode == http.StatusCreated {
			return false, nil
		}
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	})

	resp, err := rc.Do(req)
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNotFound {
		return errkind.New(errkind.API, fmt.Errorf("post event: unexpected status %d", resp.StatusCode))
	}
	return nil
}

// UpdateBuildStatus sends a PUT to {apiUri}/v4/builds/{buildId}. Any
// non-200 response is retried up to the configured limit.
func (c *Client) UpdateBuildStatus(ctx context.Context, apiUri string, buildID int64, token, status, message string) error {
	payload, err := json.Marshal(statusBody{Status: status, StatusMessage: message})
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	url := fmt.Sprintf("%s/v4/builds/%d", apiUri, buildID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rc := c.clientWithCheck(func(resp *http.Response) (bool, error) {
		if resp.StatusCode == http.StatusOK {
			return false, nil
		}
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	})

	resp, err := rc.Do(req)
	if err != nil {
		return errkind.New(errkind.API, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return errkind.New(errkind.API, fmt.Errorf("update build status: unexpected status %d", resp.StatusCode))
	}
	return nil
}

// clientWithCheck returns a copy of c.http configured with a per-call
// CheckRetry so PostEvent's 404-is-success rule does not leak into
// UpdateBuildStatus.
func (c *Client) clientWithCheck(check func(resp *http.Response) (bool, error)) *retryablehttp.Client {
	rc := *c.http
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return check(resp)
	}
	return &rc
}

func drain(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
