package quic

import (
    "bufio"
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "encoding/binary"
    "errors"
    "io"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "github.com/astrophotograph/esc-sub002/pkg/transport"
)

const alpn = "scopelink"

// Transport implements a QUIC link with length-prefixed frames on a single
// bidirectional stream. Useful over lossy long-haul links to remote
// observatories where TCP head-of-line blocking hurts command latency.
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

func New() *Transport {
    // Ephemeral self-signed certificate for the listening side.
    cert, _ := selfSignedCert()
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpn},
        MinVersion:   tls.VersionTLS13,
    }
    return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
    tlsClient := &tls.Config{
        InsecureSkipVerify: true, // NOTE: endpoint identity is the server's concern, not the link's
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    qc, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, err }
    st, err := qc.OpenStreamSync(ctx)
    if err != nil {
        _ = qc.CloseWithError(0, "open stream failed")
        return nil, err
    }
    return newConn(qc, st), nil
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    ql, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    l := &listener{l: ql, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
    go l.acceptLoop(ctx)
    go func() { <-ctx.Done(); _ = l.Close() }()
    return l, nil
}

type listener struct {
    l       *quicgo.Listener
    newCh   chan *conn
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("quic listener closed")
    case c := <-l.newCh:
        return c, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: default: close(l.closeCh) }
    return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        qc, err := l.l.Accept(ctx)
        if err != nil { return }
        go func() {
            st, err := qc.AcceptStream(ctx)
            if err != nil {
                _ = qc.CloseWithError(0, "accept stream failed")
                return
            }
            nc := newConn(qc, st)
            select {
            case l.newCh <- nc:
            case <-l.closeCh:
                _ = nc.Close()
            }
        }()
    }
}

type conn struct {
    mu sync.Mutex
    qc quicgo.Connection
    st quicgo.Stream
    br *bufio.Reader
    bw *bufio.Writer
}

func newConn(qc quicgo.Connection, st quicgo.Stream) *conn {
    return &conn{qc: qc, st: st, br: bufio.NewReader(st), bw: bufio.NewWriter(st)}
}

func (s *conn) LocalAddr() net.Addr  { return s.qc.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.qc.RemoteAddr() }

func (s *conn) Close() error {
    _ = s.st.Close()
    return s.qc.CloseWithError(0, "closed")
}

func (s *conn) SendBytes(b []byte) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := s.bw.Write(lenbuf[:]); err != nil { return err }
    if _, err := s.bw.Write(b); err != nil { return err }
    return s.bw.Flush()
}

func (s *conn) RecvBytes() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil { return nil, err }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > (1<<24) { return nil, errors.New("invalid frame size") }
    buf := make([]byte, n)
    if _, err := io.ReadFull(s.br, buf); err != nil { return nil, err }
    return buf, nil
}

func selfSignedCert() (tls.Certificate, error) {
    key, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(365 * 24 * time.Hour),
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
