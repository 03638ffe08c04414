package socks

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
)

func clientHello(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("unexpected method selection: %v", resp)
	}
}

func TestHandshakeDomainTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var target string
	var hsErr error
	go func() {
		defer close(done)
		target, hsErr = Handshake(server)
	}()

	clientHello(t, client)

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], 443)
	req = append(req, port[:]...)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	<-done
	if hsErr != nil {
		t.Fatalf("handshake: %v", hsErr)
	}
	if target != "example.com:443" {
		t.Fatalf("target = %q, want example.com:443", target)
	}
}

func TestHandshakeIPv4Target(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var target string
	var hsErr error
	go func() {
		defer close(done)
		target, hsErr = Handshake(server)
	}()

	clientHello(t, client)

	req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	<-done
	if hsErr != nil {
		t.Fatalf("handshake: %v", hsErr)
	}
	if target != "10.0.0.1:80" {
		t.Fatalf("target = %q, want 10.0.0.1:80", target)
	}
}

func TestHandshakeRejectsBindCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Handshake(server)
		done <- err
	}()

	clientHello(t, client)

	// BIND (0x02) is not supported.
	req := []byte{0x05, 0x02, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if err := <-done; err == nil {
		t.Fatal("expected error for BIND command")
	}
}

func TestReplies(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _ = ReplySuccess(server) }()
	resp := make([]byte, 10)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatalf("read success reply: %v", err)
	}
	if resp[1] != 0x00 {
		t.Fatalf("expected success code, got %#x", resp[1])
	}

	go func() { _ = ReplyFailure(server) }()
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatalf("read failure reply: %v", err)
	}
	if resp[1] != 0x01 {
		t.Fatalf("expected failure code, got %#x", resp[1])
	}
}
