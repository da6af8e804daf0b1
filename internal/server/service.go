package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"txrelay/internal/crypto"
	"txrelay/internal/debuglog"
	"txrelay/internal/envelope"
	"txrelay/internal/proto"
	"txrelay/internal/resolver"
	"txrelay/internal/store"
)

const (
	HeaderKey  = "c11n-key"
	HeaderFrom = "c11n-from"
	HeaderTo   = "c11n-to"

	maxBody = proto.MaxFrameSize
)

var errBadRequest = errors.New("bad request")

// Service exposes a Resolver over REST and QUIC.
type Service struct {
	resolver *resolver.Resolver
}

func NewService(r *resolver.Resolver) *Service {
	return &Service{resolver: r}
}

func (s *Service) BindREST(r *httprouter.Router) {
	r.POST("/send", s.handleSend)
	r.POST("/sendraw", s.handleSendRaw)
	// hashes are base64 and may contain '/'
	r.GET("/receive/*key", s.handleReceive)
	r.GET("/receiveraw", s.handleReceiveRaw)
	r.POST("/push", s.handlePush)
	r.DELETE("/transaction/*key", s.handleDelete)
	r.GET("/upcheck", s.handleUpcheck)
}

func notFoundText(key string) string {
	return fmt.Sprintf("Message with hash %s was not found", key)
}

// writeError maps resolver errors to HTTP statuses. Every decryption
// failure gets the same 401 body.
func writeError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, envelope.ErrBadHash):
		http.Error(w, notFoundText(key), http.StatusNotFound)
	case errors.Is(err, envelope.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, envelope.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errBadRequest), errors.Is(err, envelope.ErrKey),
		errors.Is(err, envelope.ErrEmptyRecipients), errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrTooLarge),
		errors.Is(err, crypto.ErrBadKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		debuglog.Logf("rest internal error: key=%s err=%v", key, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseKey(s string) (*crypto.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	k, err := crypto.ParsePublicKey(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return &k, nil
}

func parseKeys(in []string) ([]crypto.PublicKey, error) {
	out := make([]crypto.PublicKey, 0, len(in))
	for _, s := range in {
		k, err := parseKey(s)
		if err != nil {
			return nil, err
		}
		if k != nil {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (s *Service) send(ctx context.Context, req proto.SendRequest) (envelope.TxHash, error) {
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return envelope.TxHash{}, fmt.Errorf("%w: payload: %v", errBadRequest, err)
	}
	from, err := parseKey(req.From)
	if err != nil {
		return envelope.TxHash{}, err
	}
	to, err := parseKeys(req.To)
	if err != nil {
		return envelope.TxHash{}, err
	}
	return s.resolver.Send(ctx, payload, from, to)
}

func (s *Service) receive(ctx context.Context, key, to string) ([]byte, error) {
	h, err := envelope.ParseTxHash(key)
	if err != nil {
		return nil, err
	}
	requester, err := parseKey(to)
	if err != nil {
		return nil, err
	}
	return s.resolver.Receive(ctx, h, requester, resolver.RoleUnspecified)
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req proto.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, "", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	h, err := s.send(r.Context(), req)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.SendResponse{Key: h.String()})
}

// handleSendRaw takes the payload as the body, the sender in c11n-from and
// the recipients comma separated in c11n-to. The reply is the bare key.
func (s *Service) handleSendRaw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, "", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	req := proto.SendRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
		From:    r.Header.Get(HeaderFrom),
	}
	if to := r.Header.Get(HeaderTo); to != "" {
		req.To = strings.Split(to, ",")
	}
	h, err := s.send(r.Context(), req)
	if err != nil {
		writeError(w, "", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, h.String())
}

func (s *Service) handleReceive(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := strings.TrimPrefix(ps.ByName("key"), "/")
	payload, err := s.receive(r.Context(), key, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.ReceiveResponse{Payload: base64.StdEncoding.EncodeToString(payload)})
}

func (s *Service) handleReceiveRaw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	key := r.Header.Get(HeaderKey)
	payload, err := s.receive(r.Context(), key, r.Header.Get(HeaderTo))
	if err != nil {
		writeError(w, key, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(payload)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, "", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	h, err := s.resolver.Push(r.Context(), body)
	if err != nil {
		writeError(w, "", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, h.String())
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := strings.TrimPrefix(ps.ByName("key"), "/")
	h, err := envelope.ParseTxHash(key)
	if err == nil {
		err = s.resolver.Delete(r.Context(), h)
	}
	if err != nil {
		writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpcheck(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, proto.UpcheckReply)
}

// Respond serves framed QUIC requests.
func (s *Service) Respond(ctx context.Context, remote net.Addr, req []byte) []byte {
	var reply any
	switch t := proto.PeekType(req); t {
	case proto.MsgTypePush:
		var msg proto.PushMsg
		if err := json.Unmarshal(req, &msg); err != nil {
			reply = quicError("", fmt.Errorf("%w: %v", errBadRequest, err))
			break
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Envelope)
		if err != nil {
			reply = quicError("", fmt.Errorf("%w: envelope: %v", errBadRequest, err))
			break
		}
		h, err := s.resolver.Push(ctx, raw)
		if err != nil {
			reply = quicError("", err)
			break
		}
		reply = proto.PushAckMsg{Type: proto.MsgTypePushAck, Key: h.String()}
	case proto.MsgTypeSend:
		var msg proto.SendMsg
		if err := json.Unmarshal(req, &msg); err != nil {
			reply = quicError("", fmt.Errorf("%w: %v", errBadRequest, err))
			break
		}
		h, err := s.send(ctx, msg.SendRequest)
		if err != nil {
			reply = quicError("", err)
			break
		}
		reply = proto.SendOKMsg{Type: proto.MsgTypeSendOK, Key: h.String()}
	case proto.MsgTypeReceive:
		var msg proto.ReceiveMsg
		if err := json.Unmarshal(req, &msg); err != nil {
			reply = quicError("", fmt.Errorf("%w: %v", errBadRequest, err))
			break
		}
		payload, err := s.receive(ctx, msg.Key, msg.To)
		if err != nil {
			reply = quicError(msg.Key, err)
			break
		}
		reply = proto.ReceiveOKMsg{Type: proto.MsgTypeReceiveOK, Payload: base64.StdEncoding.EncodeToString(payload)}
	case proto.MsgTypeUpcheck:
		reply = proto.UpcheckMsg{Type: proto.MsgTypeUpcheckOK}
	default:
		debuglog.Debugf("quic unknown message: type=%s remote=%v", t, remote)
		reply = proto.NewError(proto.CodeBadRequest, fmt.Errorf("unknown message type %q", t))
	}
	b, err := json.Marshal(reply)
	if err != nil {
		b, _ = json.Marshal(proto.NewError(proto.CodeInternal, nil))
	}
	return b
}

func quicError(key string, err error) proto.ErrorMsg {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, envelope.ErrBadHash):
		return proto.NewError(proto.CodeNotFound, errors.New(notFoundText(key)))
	case errors.Is(err, envelope.ErrUnauthorized):
		return proto.NewError(proto.CodeUnauthorized, nil)
	case errors.Is(err, errBadRequest), errors.Is(err, envelope.ErrKey),
		errors.Is(err, envelope.ErrEmptyRecipients), errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrTooLarge),
		errors.Is(err, envelope.ErrConflict), errors.Is(err, crypto.ErrBadKey):
		return proto.NewError(proto.CodeBadRequest, err)
	default:
		debuglog.Logf("quic internal error: err=%v", err)
		return proto.NewError(proto.CodeInternal, nil)
	}
}
