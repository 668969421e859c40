package kafkax

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestReadyCheckWithoutBrokers(t *testing.T) {
	if err := ReadyCheck(" , ")(context.Background()); err == nil {
		t.Fatal("expected an error when no brokers are configured")
	}
}

func TestReadyCheckReportsEveryUnreachableBroker(t *testing.T) {
	addrs := make([]string, 2)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addrs[i] = ln.Addr().String()
		_ = ln.Close()
	}

	err := ReadyCheck(strings.Join(addrs, ","))(context.Background())
	if err == nil {
		t.Fatal("expected closed ports to fail the check")
	}
	for _, a := range addrs {
		if !strings.Contains(err.Error(), a) {
			t.Fatalf("error should name %s: %v", a, err)
		}
	}
}
