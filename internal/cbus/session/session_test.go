package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
)

// pipeTransport adapts a net.Conn half to io.ReadWriteCloser, which is all
// Session requires of its transport.
type pipeTransport struct {
	net.Conn
}

func newPipe() (client *pipeTransport, server *bufio.ReadWriter, serverConn net.Conn) {
	a, b := net.Pipe()
	return &pipeTransport{Conn: a}, bufio.NewReadWriter(bufio.NewReader(b), bufio.NewWriter(b)), b
}

func TestResetSequenceWritesSevenBasicModeCommands(t *testing.T) {
	client, server, serverConn := newPipe()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			line, err := server.ReadString('\r')
			if err != nil || line != "\r" {
				t.Errorf("reset packet %d: got %q, err %v", i, line, err)
				return
			}
		}
		want := []string{"A32100FF\r", "A32200FF\r", "A342000E\r", "A3300079\r"}
		for i, w := range want {
			line, err := server.ReadString('\r')
			if err != nil || line != w {
				t.Errorf("device-management %d: got %q want %q, err %v", i, line, w, err)
				return
			}
		}
	}()

	s := New(client, Callbacks{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.resetSequence(ctx); err != nil {
		t.Fatalf("resetSequence: %v", err)
	}
	<-done
}

func TestLightingOnRejectsTooManyGroups(t *testing.T) {
	client, _, serverConn := newPipe()
	defer serverConn.Close()
	defer client.Close()

	s := New(client, Callbacks{}, Options{})
	groups := make([]byte, 10)
	if _, err := s.LightingOn(context.Background(), groups, packet.Lighting); err == nil {
		t.Fatal("expected an error for more than 9 group addresses")
	}
}

func TestRetryPassAbandonsAfterMaxRetries(t *testing.T) {
	client, _, serverConn := newPipe()
	defer serverConn.Close()
	defer client.Close()

	var failedCode byte
	s := New(client, Callbacks{OnCommandFailed: func(code byte) { failedCode = code }}, Options{})

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	s.mu.Lock()
	s.pending['h'] = &pendingSend{encoded: []byte("test\r"), attempts: 1, lastAttempt: time.Now().Add(-10 * time.Second)}
	s.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < maxRetries; i++ {
		s.runRetryPass(ctx, time.Now())
		s.mu.Lock()
		if p, ok := s.pending['h']; ok {
			p.lastAttempt = time.Now().Add(-10 * time.Second)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	_, stillPending := s.pending['h']
	s.mu.Unlock()
	if stillPending {
		t.Fatal("expected pending send to be abandoned after maxRetries attempts")
	}
	if failedCode != 'h' {
		t.Fatalf("expected OnCommandFailed('h') on abandonment, got %q", failedCode)
	}
}
