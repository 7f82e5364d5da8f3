package ports

import (
	"net"
	"testing"
	"time"

	"sitekeeper/pkg/errs"
)

func TestAllocateAscending(t *testing.T) {
	a := NewAllocator(15000, 15099)

	port, err := a.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 15000 {
		t.Errorf("port = %d, want 15000", port)
	}
}

func TestAllocateSkipsRegistryPorts(t *testing.T) {
	a := NewAllocator(15000, 15099)

	used := map[int]bool{15000: true, 15001: true}
	port, err := a.Allocate(used)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 15002 {
		t.Errorf("port = %d, want 15002", port)
	}
}

func TestAllocateSkipsBoundPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	held := ln.Addr().(*net.TCPAddr).Port

	a := NewAllocator(held, held+10)
	port, err := a.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port == held {
		t.Errorf("allocated port %d held by listener", held)
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := NewAllocator(15000, 15002)

	used := map[int]bool{15000: true, 15001: true, 15002: true}
	_, err := a.Allocate(used)
	if !errs.IsKind(err, errs.NoPortAvailable) {
		t.Errorf("err = %v, want NO_PORT_AVAILABLE", err)
	}
}

func TestConnectable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
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

	port := ln.Addr().(*net.TCPAddr).Port
	if !Connectable(port, time.Second) {
		t.Errorf("listener on %d not connectable", port)
	}
	if Listenable(port) {
		t.Errorf("held port %d reported listenable", port)
	}
}
