package health

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPCheckerHealthyEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestTCPCheckerUnreachableEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	checker := NewTCPChecker(addr)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestTCPCheckerTimeout(t *testing.T) {
	checker := NewTCPChecker("203.0.113.1:9").WithTimeout(50 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy due to timeout, got healthy: %s", result.Message)
	}
}

func TestTCPCheckerType(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:0")
	if checker.Type() != CheckTypeTCP {
		t.Errorf("expected type %s, got %s", CheckTypeTCP, checker.Type())
	}
}

func TestStatusUpdateDebouncesFailures(t *testing.T) {
	status := NewStatus()
	config := Config{Retries: 3}

	for i := 0; i < 2; i++ {
		status.Update(Result{Healthy: false, CheckedAt: time.Now()}, config)
		if !status.Healthy {
			t.Fatalf("expected still healthy after %d failures", i+1)
		}
	}
	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, config)
	if status.Healthy {
		t.Error("expected unhealthy after reaching retry threshold")
	}

	status.Update(Result{Healthy: true, CheckedAt: time.Now()}, config)
	if !status.Healthy {
		t.Error("expected healthy immediately after a single success")
	}
}
