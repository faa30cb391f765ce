// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"k8s.io/klog/v2"

	"github.com/hostedgit/gitcore/internal/errors"
)

const codegraphPath = "api/codegraph"

// Client is a Service talking to the analysis service over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ Service = &Client{}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// NewClient returns a client for the analysis service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid analysis service url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid analysis service url %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(elem ...string) *url.URL {
	return c.baseURL.JoinPath(append([]string{codegraphPath}, elem...)...)
}

// Start posts to /api/codegraph?feature_id=N and returns the server-sent
// event stream of the response.
func (c *Client) Start(ctx context.Context, featureID int64) (Stream, error) {
	const op errors.Op = "analysis.start"

	u := c.endpoint()
	q := u.Query()
	q.Set("feature_id", strconv.FormatInt(featureID, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, errors.E(op, errors.AnalysisBridge, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.E(op, errors.AnalysisBridge, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errors.E(op, errors.AnalysisBridge, unexpectedStatus(resp))
	}

	klog.V(2).Infof("analysis of feature %d started", featureID)
	return newEventStream(resp.Body), nil
}

// Delete issues DELETE /api/codegraph/N.
func (c *Client) Delete(ctx context.Context, featureID int64) error {
	const op errors.Op = "analysis.delete"

	u := c.endpoint(strconv.FormatInt(featureID, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return errors.E(op, errors.AnalysisBridge, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.E(op, errors.AnalysisBridge, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.E(op, errors.AnalysisBridge, unexpectedStatus(resp))
	}
	return nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected response %s: %q", resp.Status, bytes.TrimSpace(body))
}

// eventStream decodes a text/event-stream body. Only data fields are used;
// each event's data is one JSON encoded Event.
type eventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

func (s *eventStream) Next() (Event, error) {
	for {
		data, err := s.nextData()
		if err != nil {
			return Event{}, err
		}
		if strings.TrimSpace(data) == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return Event{}, errors.E(errors.Op("analysis.next"), errors.AnalysisBridge, fmt.Errorf("cannot decode event %q: %w", data, err))
		}
		return event, nil
	}
}

// nextData returns the data of the next dispatched event.
func (s *eventStream) nextData() (string, error) {
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			if err != io.EOF {
				err = errors.E(errors.Op("analysis.next"), errors.AnalysisBridge, err)
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment, used for keep-alive pings.
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			if field == "data" {
				data = append(data, value)
			}
		}
	}
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
