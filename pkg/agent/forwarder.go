// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	forwardTimeout = 5 * time.Second
	connectTimeout = 2 * time.Second
)

// forwarder posts records to the central ingest endpoint. It does not retry;
// the breaker and the queue own failure handling.
type forwarder struct {
	url    string
	apiKey string
	client *http.Client
}

func newForwarder(centralURL, apiKey string) *forwarder {
	return &forwarder{
		url:    strings.TrimRight(centralURL, "/") + "/ingest/app",
		apiKey: apiKey,
		client: &http.Client{
			Timeout: forwardTimeout,
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// send delivers one record. Any non-2xx status is a failure; the central
// side treats inserts as idempotent enough for at-least-once delivery.
func (f *forwarder) send(payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("central returned status %d", resp.StatusCode)
	}
	return nil
}
