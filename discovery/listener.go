package discovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// Notification is a parsed SSDP NOTIFY announcement.
type Notification struct {
	NT       string // notification type (device type URN)
	NTS      string // "ssdp:alive" | "ssdp:byebye"
	USN      string
	Location string
}

// NotifyHandler receives announcements matching the configured device type.
type NotifyHandler interface {
	Notify(ctx context.Context, n Notification) error
}

type ListenerConfig struct {
	GroupAddr    *net.UDPAddr // default 239.255.255.250:1900
	SearchTarget string       // NT filter, default somneo.DeviceType
	Handler      NotifyHandler
	Logger       *slog.Logger
	ReadBuf      int // bytes, default 2k
}

// Listener joins the SSDP multicast group and forwards alive/byebye
// announcements for the configured device type. The active M-SEARCH is
// fire-once; this catches devices that come up afterwards.
type Listener struct {
	conn   *net.UDPConn
	log    *slog.Logger
	handle NotifyHandler
	target string

	readBuf int
}

var ssdpGroupAddr = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Handler == nil {
		return nil, errors.New("Handler required")
	}
	if cfg.GroupAddr == nil {
		cfg.GroupAddr = ssdpGroupAddr
	}
	if cfg.ReadBuf <= 0 {
		cfg.ReadBuf = 2048
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, cfg.GroupAddr)
	if err != nil {
		return nil, fmt.Errorf("join ssdp group: %w", err)
	}
	return &Listener{
		conn:    conn,
		log:     cfg.Logger.With("module", "ssdplistener", "addr", cfg.GroupAddr.String()),
		handle:  cfg.Handler,
		target:  cfg.SearchTarget,
		readBuf: cfg.ReadBuf,
	}, nil
}

func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run loops until ctx is cancelled. It sets short deadlines to make cancellation responsive.
func (l *Listener) Run(ctx context.Context) error {
	defer l.conn.Close()
	l.log.Info("ssdp listener started")
	buf := make([]byte, l.readBuf)
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					l.log.Info("ssdp listener stopping (context cancelled)")
					return ctx.Err()
				default:
					continue
				}
			}

			// If ctx is cancelled, treat any read error as shutdown.
			select {
			case <-ctx.Done():
				l.log.Info("ssdp listener stopping (context cancelled)")
				return ctx.Err()
			default:
			}
			return fmt.Errorf("read udp: %w", err)
		}

		notif, perr := parseNotify(buf[:n])
		if perr != nil {
			// The group carries M-SEARCH requests and other devices'
			// chatter; only log at debug.
			l.log.Debug("ignoring datagram", "from", addr.String(), "error", perr.Error())
			continue
		}
		if l.target != "" && notif.NT != l.target {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = l.handle.Notify(callCtx, notif)
		cancel()
		if err != nil {
			l.log.Error("notify handler failed", "usn", notif.USN, "error", err.Error())
			continue
		}
		l.log.Debug("announcement handled", "from", addr.String(), "usn", notif.USN, "nts", notif.NTS)
	}
}

func parseNotify(b []byte) (Notification, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	line, err := r.ReadString('\n')
	if err != nil {
		return Notification{}, fmt.Errorf("read start line: %w", err)
	}
	if !strings.HasPrefix(line, "NOTIFY ") {
		return Notification{}, fmt.Errorf("not a NOTIFY: %q", strings.TrimSpace(line))
	}

	h, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		return Notification{}, fmt.Errorf("read headers: %w", err)
	}

	n := Notification{
		NT:       h.Get("NT"),
		NTS:      h.Get("NTS"),
		USN:      h.Get("USN"),
		Location: h.Get("Location"),
	}
	if n.USN == "" {
		return Notification{}, errors.New("missing USN header")
	}
	switch n.NTS {
	case "ssdp:alive", "ssdp:byebye":
	default:
		return Notification{}, fmt.Errorf("unsupported NTS: %q", n.NTS)
	}
	return n, nil
}
