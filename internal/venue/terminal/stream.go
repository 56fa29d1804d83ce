package terminal

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const readBufferSize = 1 << 20

// lineStream carries newline-delimited JSON frames.
type lineStream interface {
	ReadLine() ([]byte, error)
	WriteLine(p []byte) error
	SetDeadline(t time.Time) error
	Close() error
}

// tcpStream speaks the terminal's native socket protocol: cp1251 text,
// requests terminated by CRLF, callbacks split on LF.
type tcpStream struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *encoding.Encoder
}

func dialTCP(ctx context.Context, addr string) (*tcpStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpStream{
		conn: conn,
		r:    bufio.NewReaderSize(charmap.Windows1251.NewDecoder().Reader(conn), readBufferSize),
		enc:  encoding.ReplaceUnsupported(charmap.Windows1251.NewEncoder()),
	}, nil
}

func (s *tcpStream) ReadLine() ([]byte, error) {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (s *tcpStream) WriteLine(p []byte) error {
	raw, err := s.enc.Bytes(p)
	if err != nil {
		return err
	}
	raw = append(raw, '\r', '\n')
	_, err = s.conn.Write(raw)
	return err
}

func (s *tcpStream) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

// wsStream tunnels the same frames through a websocket bridge. Text frames
// are UTF-8 and may batch several lines.
type wsStream struct {
	conn    *websocket.Conn
	pending [][]byte
}

func dialWS(ctx context.Context, url string) (*wsStream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readBufferSize)
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) ReadLine() ([]byte, error) {
	for len(s.pending) == 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			line = bytes.TrimRight(line, "\r")
			if len(line) != 0 {
				s.pending = append(s.pending, line)
			}
		}
	}
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *wsStream) WriteLine(p []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, p)
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
