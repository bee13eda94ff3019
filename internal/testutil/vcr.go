// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRRecorder creates a recorder for cassettePath (without the .yaml
// extension). In ModeRecording real traffic goes through http.DefaultTransport
// and is saved when the returned stop function runs; in ModeReplaying the
// cassette answers instead of the network.
func NewVCRRecorder(t *testing.T, cassettePath string, mode recorder.Mode) (*recorder.Recorder, func()) {
	t.Helper()

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Don't match on request body or headers; upstream keys rotate between runs.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	stop := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, stop
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
