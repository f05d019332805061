package kv

import (
	"testing"

	"sosalert/internal/config"
	"sosalert/test/testutil"
)

func TestNATSStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.NATSStoreConfig{
		URL:               []string{url},
		Bucket:            "sos_kv_test",
		AllowCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestNATSStoreRequiresBucketWhenCreateDisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	if _, err := NewNATSStore(config.NATSStoreConfig{URL: []string{url}, Bucket: "absent"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
