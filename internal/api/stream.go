package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livescribe/internal/transcript"
)

const (
	// streamBuffer is the per-client subscription buffer. A client that
	// falls further behind misses events rather than stalling the decoder.
	streamBuffer = 128

	// streamWriteTimeout bounds a single websocket write.
	streamWriteTimeout = 5 * time.Second
)

// streamMessage is one websocket frame. The first frame of every connection
// has kind "snapshot" and carries the full state; later frames carry one
// transcript event each.
type streamMessage struct {
	Kind     string    `json:"kind"`
	Text     string    `json:"text,omitempty"`
	At       time.Time `json:"at"`
	History  []string  `json:"history,omitempty"`
	Partial  string    `json:"partial,omitempty"`
	Enriched string    `json:"enriched,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.origins) == 0 || slices.Contains(s.origins, "*") {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = originHosts(s.origins)
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("websocket handshake failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Subscribe before taking the snapshot so no event falls between them.
	src := s.ctrl.Transcript()
	events, cancel := src.Subscribe(streamBuffer)
	defer cancel()

	// The client never sends data; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	s.metrics.StreamClients.Add(ctx, 1)
	defer s.metrics.StreamClients.Add(context.WithoutCancel(ctx), -1)
	s.log.Debug("stream client connected", "remote", r.RemoteAddr)

	snap := src.Snapshot()
	first := streamMessage{
		Kind:    "snapshot",
		Text:    snap.LatestFinal,
		At:      time.Now(),
		History: snap.History,
		Partial: snap.Partial,
	}
	if snap.HasEnriched {
		first.Enriched = snap.Enriched
	}
	if err := s.write(ctx, conn, first); err != nil {
		s.logStreamEnd(r, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logStreamEnd(r, ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "transcript closed")
				return
			}
			if err := s.write(ctx, conn, eventMessage(ev)); err != nil {
				s.logStreamEnd(r, err)
				return
			}
		}
	}
}

// originHosts converts configured origins ("https://app.example") to the
// host patterns the websocket handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

func eventMessage(ev transcript.Event) streamMessage {
	return streamMessage{Kind: ev.Kind.String(), Text: ev.Text, At: ev.At}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (s *Server) logStreamEnd(r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		s.log.Debug("stream client disconnected", "remote", r.RemoteAddr)
		return
	}
	s.log.Warn("stream client dropped", "remote", r.RemoteAddr, "error", err)
}
