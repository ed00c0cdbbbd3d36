package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/analysis"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/service"
)

func TestQueryEncodesFilter(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"query":{"class":"person","min_confidence":0.7},"results":[],"count":0}`)
	}))
	defer srv.Close()

	f := analysis.NewFilter()
	f.Class = "person"
	f.MinConfidence = 0.7
	depth := 2.5
	f.MaxDepth = &depth

	res, err := New(srv.URL).Query(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "class=person&max_depth=2.5&min_confidence=0.7", raw)
	assert.Equal(t, "person", res.Query.Class)
}

func TestErrorBodyIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid query filter: min_confidence must be within [0, 1], got 2"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Query(context.Background(), analysis.Filter{MinConfidence: 2})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "min_confidence")
}

func TestWatchDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `data: {"detections":[],"count":0,"timestamp":"2024-01-01T00:00:00Z"}`+"\n\n")
		fmt.Fprint(w, `data: {"detections":[{"class":"cat","confidence":0.8,"bbox":[1,2,3,4],"depth":1,"depth_valid":true,"timestamp":"2024-01-01T00:00:00Z"}],"count":1,"timestamp":"2024-01-01T00:00:01Z"}`+"\n\n")
	}))
	defer srv.Close()

	var got []service.StreamEvent
	err := New(srv.URL).Watch(context.Background(), func(ev service.StreamEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].Count)
	assert.Equal(t, "cat", got[1].Detections[0].Class)
	assert.Equal(t, 3, got[1].Detections[0].BBox.EndX)
}
