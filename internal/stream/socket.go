// Package stream keeps an observer connected to the server's event stream.
package stream

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"changedesk/internal/authgate"
)

const readLimit = 4 << 20

type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// RealDialer opens a websocket, presenting Token as a bearer credential.
type RealDialer struct {
	Token      string
	HTTPClient *http.Client
}

func (d RealDialer) Dial(ctx context.Context, url string) (Socket, error) {
	header := http.Header{}
	authgate.SetBearer(header, d.Token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header, HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return &realSocket{conn: conn}, nil
}

type realSocket struct {
	conn *websocket.Conn
}

func (s *realSocket) ReadText(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *realSocket) WriteText(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *realSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
