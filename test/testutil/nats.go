package testutil

import (
	"encoding/json"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"sosalert/internal/domain"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

type natsProcess struct {
	cmd  *exec.Cmd
	once sync.Once
}

func (p *natsProcess) stop() {
	p.once.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		exited := make(chan struct{})
		go func() {
			_, _ = p.cmd.Process.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			_ = p.cmd.Process.Kill()
			<-exited
		}
	})
}

// StartLocalNATSServer starts a JetStream-enabled nats-server backing queue and KV tests.
// Params: test handle; the test is skipped when the binary is not installed.
// Returns: server URL and idempotent stop callback.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	process := &natsProcess{
		cmd: exec.Command("nats-server", "-js", "-p", strconv.Itoa(port), "-sd", tb.TempDir()),
	}
	if err := process.cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	if !waitConnectable(url, 8*time.Second) {
		process.stop()
		tb.Fatalf("nats did not become ready at %s", url)
	}
	return url, process.stop
}

// StreamAlerts reads every alert published to a JetStream stream so far.
// Params: test handle, server URL, stream name and subject.
// Returns: decoded alerts in publish order.
func StreamAlerts(tb testing.TB, url, stream, subject string) []domain.EmergencyAlert {
	tb.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		tb.Fatalf("jetstream: %v", err)
	}
	info, err := js.StreamInfo(stream)
	if err != nil {
		tb.Fatalf("stream info %s: %v", stream, err)
	}

	sub, err := js.SubscribeSync(subject, nats.BindStream(stream), nats.DeliverAll(), nats.AckNone())
	if err != nil {
		tb.Fatalf("subscribe %s: %v", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	alerts := make([]domain.EmergencyAlert, 0, info.State.Msgs)
	for range info.State.Msgs {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			tb.Fatalf("next alert: %v", err)
		}
		var alert domain.EmergencyAlert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			tb.Fatalf("decode alert: %v", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

func waitConnectable(url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if nc, err := nats.Connect(url); err == nil {
			nc.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
