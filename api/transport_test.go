package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/absmach/roundsync/api"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/absmach/roundsync/pkg/orchestration/store"
	"github.com/absmach/roundsync/pkg/storage"
	"github.com/absmach/roundsync/pkg/trainer"
)

type staticStatus orchestration.Status

func (s staticStatus) Status() orchestration.Status {
	return orchestration.Status(s)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	rounds := store.NewMemoryRoundStore(storage.NewInMemoryStorage())
	for _, r := range []orchestration.RoundRecord{
		{RunID: "run-1", Round: 1, Status: orchestration.RoundStatusRunning},
		{RunID: "run-1", Round: 0, Status: orchestration.RoundStatusCompleted, ConsensusNorm: 3.5},
		{RunID: "run-2", Round: 0, Status: orchestration.RoundStatusCompleted},
	} {
		if err := rounds.SaveRound(context.Background(), r); err != nil {
			t.Fatalf("SaveRound: %v", err)
		}
	}

	status := staticStatus{
		RunID:  "run-1",
		Name:   "brave-turing",
		Size:   2,
		Phase:  orchestration.Training,
		Round:  1,
		Rounds: 2,
		Score:  &trainer.Score{Loss: 1.25, Accuracy: 0.5},
	}
	svc := api.NewService("run-1", status, rounds)
	ts := httptest.NewServer(api.MakeHandler(svc, "run-1"))
	t.Cleanup(ts.Close)

	return ts
}

func TestHandler(t *testing.T) {
	ts := newServer(t)

	tests := []struct {
		name         string
		path         string
		expectedCode int
		contains     []string
	}{
		{name: "health", path: "/health", expectedCode: http.StatusOK, contains: []string{`"status":"pass"`, `"run_id":"run-1"`}},
		{name: "status", path: "/status", expectedCode: http.StatusOK, contains: []string{`"phase":"Training"`, `"name":"brave-turing"`, `"accuracy":0.5`}},
		{name: "list rounds", path: "/rounds", expectedCode: http.StatusOK, contains: []string{`"total":2`}},
		{name: "view round", path: "/rounds/0", expectedCode: http.StatusOK, contains: []string{`"consensus_norm":3.5`, `"status":"Completed"`}},
		{name: "unknown round", path: "/rounds/9", expectedCode: http.StatusNotFound, contains: []string{"round not found"}},
		{name: "invalid round", path: "/rounds/abc", expectedCode: http.StatusBadRequest},
		{name: "negative round", path: "/rounds/-1", expectedCode: http.StatusBadRequest},
		{name: "metrics", path: "/metrics", expectedCode: http.StatusOK, contains: []string{"go_goroutines"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if resp.StatusCode != tt.expectedCode {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedCode, resp.StatusCode, body)
			}
			for _, want := range tt.contains {
				if !strings.Contains(string(body), want) {
					t.Errorf("expected body to contain %s, got %s", want, body)
				}
			}
		})
	}
}

func TestListRoundsIsOrdered(t *testing.T) {
	ts := newServer(t)

	resp, err := http.Get(ts.URL + "/rounds")
	if err != nil {
		t.Fatalf("GET /rounds: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		Rounds []orchestration.RoundRecord `json:"rounds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Rounds) != 2 || got.Rounds[0].Round != 0 || got.Rounds[1].Round != 1 {
		t.Errorf("expected rounds 0 and 1 of run-1, got %+v", got.Rounds)
	}
}
