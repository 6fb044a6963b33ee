package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

// value returns the counter or gauge value of the series of name whose labels
// include all of labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetch("news", FetchOK, 120*time.Millisecond)
	c.RecordFetch("news", FetchOK, 80*time.Millisecond)
	c.RecordFetch("news", FetchUnavailable, time.Second)
	c.RecordEntries("news", EntryNew, 3)
	c.RecordEntries("news", EntryDuplicate, 0)
	c.RecordDelivery("ops", DeliveryRejected)
	c.RecordGroupSkipped("ops")
	c.RecordRunFinished(time.Unix(1_767_225_600, 0))

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "feedrelay_fetch_total", labels: map[string]string{"group": "news", "outcome": FetchOK}, want: 2},
		{name: "feedrelay_fetch_total", labels: map[string]string{"group": "news", "outcome": FetchUnavailable}, want: 1},
		{name: "feedrelay_fetch_duration_seconds", labels: map[string]string{"group": "news"}, want: 3},
		{name: "feedrelay_entries_total", labels: map[string]string{"group": "news", "state": EntryNew}, want: 3},
		{name: "feedrelay_entries_total", labels: map[string]string{"group": "news", "state": EntryDuplicate}, want: 0},
		{name: "feedrelay_deliveries_total", labels: map[string]string{"group": "ops", "outcome": DeliveryRejected}, want: 1},
		{name: "feedrelay_groups_skipped_total", labels: map[string]string{"group": "ops"}, want: 1},
		{name: "feedrelay_last_run_timestamp_seconds", want: 1_767_225_600},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, value(t, reg, tt.name, tt.labels)); diff != "" {
			t.Errorf("%s%v mismatch (-want +got):\n%s", tt.name, tt.labels, diff)
		}
	}
}

func TestPush(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordDelivery("news", DeliverySent)

	if err := Push(context.Background(), srv.URL, "feedrelay", reg); err != nil {
		t.Fatalf("push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if diff := cmp.Diff("/metrics/job/feedrelay", path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if body == "" {
		t.Error("empty push body")
	}
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Push(context.Background(), srv.URL, "feedrelay", prometheus.NewRegistry())
	if err == nil || !strings.Contains(err.Error(), "push metrics") {
		t.Errorf("Push() error = %v, want wrapped push failure", err)
	}
}
