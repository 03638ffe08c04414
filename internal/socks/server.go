package socks

import (
	"context"
	"log"
	"net"
)

// ConnectFunc establishes the upstream path for one CONNECT request. It is
// handed the accepted client connection after the success reply is sent and
// owns it from then on.
type ConnectFunc func(target string, client net.Conn) error

// Server is a minimal SOCKS5 CONNECT front end. Every accepted connection is
// handshaked and handed to the connect callback.
type Server struct {
	listener net.Listener
	connect  ConnectFunc
}

func NewServer(listenAddr string, connect ConnectFunc) (*Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, connect: connect}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	target, err := Handshake(conn)
	if err != nil {
		log.Printf("socks: handshake failed: %v", err)
		_ = conn.Close()
		return
	}
	if err := s.connect(target, conn); err != nil {
		log.Printf("socks: connect %s failed: %v", target, err)
		_ = ReplyFailure(conn)
		_ = conn.Close()
		return
	}
}

func (s *Server) Close() error {
	return s.listener.Close()
}
