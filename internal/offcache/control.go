package offcache

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Control message types consumed from the foreground application, and the
// reply types sent back.
const (
	MsgSkipWaiting  = "SKIP_WAITING"
	MsgGetCacheSize = "GET_CACHE_SIZE"
	MsgClearCache   = "CLEAR_CACHE"

	ReplyCacheSize    = "CACHE_SIZE"
	ReplyCacheCleared = "CACHE_CLEARED"
	ReplyError        = "ERROR"
)

// Message is one control command. Reply, when the command has one, must be a
// buffered channel with capacity one: it receives at most a single Reply and
// is then closed. The proxy keeps no subscriber lists; the channel is the
// whole reply path.
type Message struct {
	Type  string     `json:"type"`
	Reply chan Reply `json:"-"`
}

// Reply answers a control message. Size is set on CACHE_SIZE replies and
// only there; an empty cache still carries an explicit zero.
type Reply struct {
	Type  string `json:"type"`
	Size  *int64 `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// Post accepts a control message and handles it asynchronously, independent
// of any in-flight request interception.
func (s *Service) Post(msg Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleControlMessage(msg)
	}()
}

func (s *Service) handleControlMessage(msg Message) {
	switch msg.Type {
	case MsgSkipWaiting:
		// No reply by contract.
		if w := s.waiting.Load(); w != nil {
			w.SkipWaiting()
		}
		if msg.Reply != nil {
			close(msg.Reply)
		}

	case MsgGetCacheSize:
		size := s.reg.SizeBytes()
		sendReply(msg.Reply, Reply{Type: ReplyCacheSize, Size: &size})

	case MsgClearCache:
		if err := s.reg.Clear(); err != nil {
			s.log.Error("clear cache failed", "error", err)
			sendReply(msg.Reply, Reply{Type: ReplyError, Error: err.Error()})
			return
		}
		s.log.Info("all cache stores cleared")
		sendReply(msg.Reply, Reply{Type: ReplyCacheCleared})

	default:
		sendReply(msg.Reply, Reply{Type: ReplyError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// sendReply delivers at most one reply and closes the channel. A handler
// error must answer with an ERROR reply rather than leave the channel
// hanging.
func sendReply(ch chan Reply, rep Reply) {
	if ch == nil {
		return
	}
	ch <- rep
	close(ch)
}

// handleControl bridges the message schema over HTTP for the foreground
// application: the JSON request body is the message, the JSON response body
// is the reply.
func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid control message", http.StatusBadRequest)
		return
	}

	if msg.Type == MsgSkipWaiting {
		s.Post(msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	known := msg.Type == MsgGetCacheSize || msg.Type == MsgClearCache
	msg.Reply = make(chan Reply, 1)
	s.Post(msg)

	select {
	case rep, ok := <-msg.Reply:
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		status := http.StatusOK
		if rep.Type == ReplyError {
			status = http.StatusInternalServerError
			if !known {
				status = http.StatusBadRequest
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	case <-r.Context().Done():
	}
}
