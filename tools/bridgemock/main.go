// Package main is a development protocol sidecar for waplex.
//
// It speaks the waplex.bridge.v1 contract without a real messaging network: a fresh
// session receives a QR challenge, then after --pair-delay a creds.json update and an
// open frame. Sessions that say hello with existing credentials are opened immediately.
// With --message-every it also emits synthetic inbound messages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "waplex/contracts/bridge/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"
)

// Fits the default 50 MiB credential cap plus envelope headroom.
const maxReadBytes = 51 << 20

type options struct {
	addr         string
	path         string
	pairDelay    time.Duration
	qrExpiry     time.Duration
	messageEvery time.Duration
	phone        string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("bridgemock", pflag.ContinueOnError)
	fs.StringVar(&opts.addr, "addr", "127.0.0.1:7070", "listen address")
	fs.StringVar(&opts.path, "path", "/bridge", "WebSocket path")
	fs.DurationVar(&opts.pairDelay, "pair-delay", 3*time.Second, "time between the QR challenge and authentication")
	fs.DurationVar(&opts.qrExpiry, "qr-expiry", 60*time.Second, "advertised QR lifetime")
	fs.DurationVar(&opts.messageEvery, "message-every", 0, "emit a synthetic inbound message at this interval (0 disables)")
	fs.StringVar(&opts.phone, "phone", "15550000000", "phone number reported on open")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fatalf("%v", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle(opts.path, &sidecar{opts: opts, log: log})
	srv := &http.Server{Addr: opts.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("bridgemock.start", "addr", opts.addr, "path", opts.path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalf("listen: %v", err)
	}
}

type sidecar struct {
	opts options
	log  *slog.Logger
}

func (s *sidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		s.log.Warn("bridgemock.accept.fail", "err", err)
		return
	}
	defer conn.CloseNow()

	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxReadBytes)

	if err := s.serve(r.Context(), conn); err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		s.log.Warn("bridgemock.conn.fail", "err", err)
	}
}

// serve runs one session. Client commands are read on a separate goroutine so scripted
// frames and command handling interleave like a real network would.
func (s *sidecar) serve(ctx context.Context, conn *websocket.Conn) error {
	var hello v1.HelloPayload
	if err := readPayload(ctx, conn, v1.TypeHello, &hello); err != nil {
		return err
	}
	log := s.log.With("session_id", hello.SessionID)
	log.Info("bridgemock.hello", "files", len(hello.Files))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmds := make(chan string, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			env, err := v1.Unmarshal(frame)
			if err != nil {
				log.Warn("bridgemock.decode.fail", "err", err)
				continue
			}
			select {
			case cmds <- env.Type:
			case <-ctx.Done():
				return
			}
		}
	}()

	var pairing <-chan time.Time
	if _, ok := hello.Files["creds.json"]; ok {
		if err := s.open(ctx, conn); err != nil {
			return err
		}
	} else {
		code := "2@" + ulid.Make().String()
		if err := send(ctx, conn, v1.TypeQR, v1.QRPayload{Code: code, ExpiresIn: int(s.opts.qrExpiry / time.Second)}); err != nil {
			return err
		}
		pairing = time.After(s.opts.pairDelay)
	}

	var traffic <-chan time.Time
	if s.opts.messageEvery > 0 {
		t := time.NewTicker(s.opts.messageEvery)
		defer t.Stop()
		traffic = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-pairing:
			pairing = nil
			creds, err := json.Marshal(map[string]any{
				"me":         map[string]string{"id": s.opts.phone + "@s.whatsapp.net"},
				"registered": true,
				"session":    hello.SessionID,
			})
			if err != nil {
				return err
			}
			if err := send(ctx, conn, v1.TypeCredsUpdate, v1.CredsUpdatePayload{Files: map[string][]byte{"creds.json": creds}}); err != nil {
				return err
			}
			if err := s.open(ctx, conn); err != nil {
				return err
			}
			log.Info("bridgemock.paired")
		case now := <-traffic:
			msg := v1.MessagePayload{
				MessageID: ulid.Make().String(),
				From:      "15551234567@s.whatsapp.net",
				Type:      "text",
				Timestamp: now.Unix(),
			}
			if err := send(ctx, conn, v1.TypeMessage, msg); err != nil {
				return err
			}
		case typ := <-cmds:
			switch typ {
			case v1.TypeDisconnect:
				log.Info("bridgemock.disconnect")
				_ = send(ctx, conn, v1.TypeClose, v1.ClosePayload{Reason: v1.ReasonClosedByClient})
				return conn.Close(websocket.StatusNormalClosure, "")
			case v1.TypeLogout:
				log.Info("bridgemock.logout")
				_ = send(ctx, conn, v1.TypeClose, v1.ClosePayload{Reason: v1.ReasonLoggedOut})
				return conn.Close(websocket.StatusNormalClosure, "")
			default:
				log.Debug("bridgemock.ignored", "type", typ)
			}
		}
	}
}

func (s *sidecar) open(ctx context.Context, conn *websocket.Conn) error {
	return send(ctx, conn, v1.TypeOpen, v1.OpenPayload{Phone: s.opts.phone, Name: "bridgemock"})
}

func send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, ulid.Make().String(), time.Now(), payload)
	if err != nil {
		return err
	}
	frame, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageBinary, frame)
}

func readPayload(ctx context.Context, conn *websocket.Conn, want string, v any) error {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, frame, err := conn.Read(rctx)
	if err != nil {
		return err
	}
	env, err := v1.Unmarshal(frame)
	if err != nil {
		return err
	}
	if env.Type != want {
		return fmt.Errorf("expected %s, got %s", want, env.Type)
	}
	return env.DecodePayload(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
