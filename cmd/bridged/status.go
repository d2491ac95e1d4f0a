// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cloudtolocalllm/bridge/health"
	"github.com/cloudtolocalllm/bridge/supervisor"
)

// statusReport is the /status response. Instances are identified by
// namespace only; user IDs never appear on the admin surface.
type statusReport struct {
	Endpoints []endpointStatus `json:"endpoints"`
	Models    []string         `json:"models,omitempty"`
	Instances []instanceStatus `json:"instances"`
}

type endpointStatus struct {
	Kind                string    `json:"kind"`
	Quality             string    `json:"quality"`
	LatencyMillis       int64     `json:"latency_ms"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type instanceStatus struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	State     string `json:"state"`
}

// fetchOllamaModels refreshes the local model list after a successful
// probe of the local endpoint.
func fetchOllamaModels(ctx context.Context, endpoint health.Endpoint) ([]string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.Address+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list returned %s", response.Status)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(response.Body).Decode(&tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, model := range tags.Models {
		names = append(names, model.Name)
	}
	sort.Strings(names)
	return names, nil
}

func writeStatus(w http.ResponseWriter, monitor *health.Monitor, instances *supervisor.Supervisor) {
	report := statusReport{Instances: []instanceStatus{}}

	snapshot := monitor.Snapshot()
	kinds := make([]string, 0, len(snapshot))
	for kind := range snapshot {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		endpoint := snapshot[health.Kind(kind)]
		report.Endpoints = append(report.Endpoints, endpointStatus{
			Kind:                kind,
			Quality:             endpoint.Quality.String(),
			LatencyMillis:       endpoint.LastLatency.Milliseconds(),
			LastCheckedAt:       endpoint.LastCheckedAt,
			ConsecutiveFailures: endpoint.ConsecutiveFailures,
		})
	}
	report.Models = monitor.Models()

	for _, info := range instances.Snapshot() {
		report.Instances = append(report.Instances, instanceStatus{
			ID:        info.ID,
			Namespace: info.Namespace,
			State:     info.State.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
