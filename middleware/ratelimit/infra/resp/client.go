// Package resp implementa um cliente mínimo do protocolo de fio do contador remoto
// (formato RESP do Redis), suficiente para AUTH, SELECT, INCR e EXPIRE.
//
// Cada chamada abre uma conexão, escreve todos os comandos de uma vez (pipeline) e lê
// uma resposta por comando. Não há pool: o rate limiter faz no máximo uma chamada
// por request e o fallback local cobre indisponibilidade.
package resp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrProtocol indica uma resposta que não segue o formato esperado.
var ErrProtocol = errors.New("resp: protocol error")

// maxBulkLen é o maior bulk string que o servidor pode mandar (512 MiB, como o Redis).
const maxBulkLen = 512 << 20

// ServerError é uma resposta "-ERR ..." do servidor.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return "resp: server error: " + e.Msg }

// Endpoint é o destino já parseado de uma URL redis://.
type Endpoint struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// ParseURL aceita redis://[user[:password]@]host[:port][/db].
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("resp: parse url: %w", err)
	}
	if u.Scheme != "redis" {
		return Endpoint{}, fmt.Errorf("resp: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, errors.New("resp: missing host")
	}

	ep := Endpoint{Addr: u.Host}
	if u.Port() == "" {
		ep.Addr = net.JoinHostPort(u.Hostname(), "6379")
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return Endpoint{}, fmt.Errorf("resp: invalid db %q", db)
		}
		ep.DB = n
	}
	return ep, nil
}

type Client struct {
	ep          Endpoint
	dialTimeout time.Duration
	ioTimeout   time.Duration
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
}

type Option func(*Client)

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithIOTimeout limita escrita + leitura de uma chamada inteira.
func WithIOTimeout(d time.Duration) Option {
	return func(c *Client) { c.ioTimeout = d }
}

func New(ep Endpoint, opts ...Option) *Client {
	c := &Client{
		ep:          ep,
		dialTimeout: 500 * time.Millisecond,
		ioTimeout:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		d := &net.Dialer{Timeout: c.dialTimeout}
		c.dialer = d.DialContext
	}
	return c
}

// NewFromURL é o atalho ParseURL + New.
func NewFromURL(raw string, opts ...Option) (*Client, error) {
	ep, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return New(ep, opts...), nil
}

// IncrExpire implementa domain.Counter: INCR key seguido de EXPIRE key ttl,
// precedidos de AUTH/SELECT quando configurados, tudo em um único round trip.
func (c *Client) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}

	cmds := c.preamble()
	incrAt := len(cmds)
	cmds = append(cmds,
		[]string{"INCR", key},
		[]string{"EXPIRE", key, strconv.FormatInt(secs, 10)},
	)

	replies, err := c.Do(ctx, cmds...)
	if err != nil {
		return 0, err
	}
	n, ok := replies[incrAt].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: INCR returned %T", ErrProtocol, replies[incrAt])
	}
	return n, nil
}

func (c *Client) preamble() [][]string {
	var cmds [][]string
	if c.ep.Password != "" {
		if c.ep.Username != "" {
			cmds = append(cmds, []string{"AUTH", c.ep.Username, c.ep.Password})
		} else {
			cmds = append(cmds, []string{"AUTH", c.ep.Password})
		}
	}
	if c.ep.DB != 0 {
		cmds = append(cmds, []string{"SELECT", strconv.Itoa(c.ep.DB)})
	}
	return cmds
}

// Do envia os comandos em pipeline e devolve uma resposta por comando.
//
// Tipos das respostas: int64 (:), string (+ e $), nil ($-1).
// A primeira resposta de erro (-) encerra a chamada como *ServerError.
func (c *Client) Do(ctx context.Context, cmds ...[]string) ([]any, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	conn, err := c.dialer(ctx, "tcp", c.ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("resp: dial %s: %w", c.ep.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("resp: set deadline: %w", err)
	}

	w := bufio.NewWriter(conn)
	for _, args := range cmds {
		if err := writeCommand(w, args); err != nil {
			return nil, fmt.Errorf("resp: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("resp: write: %w", err)
	}

	r := bufio.NewReader(conn)
	out := make([]any, 0, len(cmds))
	for i := range cmds {
		v, err := readReply(r)
		if err != nil {
			var se *ServerError
			if errors.As(err, &se) {
				return nil, fmt.Errorf("resp: %s: %w", cmds[i][0], err)
			}
			return nil, fmt.Errorf("resp: read: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func writeCommand(w *bufio.Writer, args []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(args)); err != nil {
		return err
	}
	for _, a := range args {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(a), a); err != nil {
			return err
		}
	}
	return nil
}

func readReply(r *bufio.Reader) (any, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrProtocol)
	}

	body := line[1:]
	switch line[0] {
	case '+':
		return body, nil
	case '-':
		return nil, &ServerError{Msg: body}
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad integer %q", ErrProtocol, body)
		}
		return n, nil
	case '$':
		size, err := strconv.Atoi(body)
		if err != nil {
			return nil, fmt.Errorf("%w: bad bulk length %q", ErrProtocol, body)
		}
		if size == -1 {
			return nil, nil
		}
		if size < 0 || size > maxBulkLen {
			return nil, fmt.Errorf("%w: bulk length %d out of range", ErrProtocol, size)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return nil, fmt.Errorf("%w: bulk not terminated by CRLF", ErrProtocol)
		}
		return string(buf[:size]), nil
	default:
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrProtocol, line[0])
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("%w: line not terminated by CRLF", ErrProtocol)
	}
	return line[:len(line)-2], nil
}
