package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

const maxLineBytes = 16 * 1024 * 1024

// Conn wraps a newline-delimited-JSON connection (spec §4.C framing
// rules: "one JSON object per line, UTF-8, no embedded newlines in
// values"). Grounded on
// 56d09762_ElleNajt-acp-multiplex__main.go.go's raw net.Conn plumbing,
// generalized into a typed read/write pair instead of a byte-copy pipe
// since acpx's frontends and owner exchange structured messages, not an
// opaque ACP stream.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// NewConn wraps an established connection for framed reads/writes.
func NewConn(conn net.Conn) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Conn{conn: conn, scanner: scanner}
}

// ReadRequest reads and validates one client request line.
func (c *Conn) ReadRequest() (Request, error) {
	line, err := c.readLine()
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, protocolErr(fmt.Sprintf("invalid queue request: malformed JSON: %v", err))
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ReadMessage reads one owner->client message line (client side).
func (c *Conn) ReadMessage() (Message, error) {
	line, err := c.readLine()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, protocolErr(fmt.Sprintf("malformed message JSON: %v", err))
	}
	return msg, nil
}

func (c *Conn) readLine() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read line: %w", err)
		}
		return nil, errClosed
	}
	line := make([]byte, len(c.scanner.Bytes()))
	copy(line, c.scanner.Bytes())
	return line, nil
}

// WriteMessage writes one owner->client message line.
func (c *Conn) WriteMessage(msg Message) error {
	return c.writeLine(msg)
}

// WriteRequest writes one client->owner request line.
func (c *Conn) WriteRequest(req Request) error {
	return c.writeLine(req)
}

func (c *Conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Close closes the underlying connection. Per spec §4.C, both sides close
// after the terminal message (or immediately after accepted, for
// fire-and-forget submits); acpx never reuses a Conn for a second
// logical exchange.
func (c *Conn) Close() error { return c.conn.Close() }

var errClosed = fmt.Errorf("connection closed before a complete line was read")
