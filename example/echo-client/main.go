package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	addr := "127.0.0.1:8080"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to connect to %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("🚀 connected to %s, type a line and press enter (Ctrl+D to quit)\n", addr)
	fmt.Println(strings.Repeat("=", 50))

	replies := bufio.NewReader(conn)
	input := bufio.NewScanner(os.Stdin)
	for input.Scan() {
		line := input.Text()
		if line == "" {
			continue
		}

		// the server appends its suffix right after the chunk, so the reply
		// for a line sent without newline is exactly one line
		if _, err := conn.Write([]byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "❌ write failed: %v\n", err)
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		reply, err := replies.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ read failed: %v\n", err)
			return
		}
		fmt.Printf("✅ %s", reply)
	}

	// half-close so the server sees an orderly shutdown of our side
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}
	fmt.Println("👋 bye")
}
