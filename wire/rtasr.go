package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"node.town/rtasr/fault"
	"node.town/rtasr/sign"
	"node.town/rtasr/transcript"
)

const DefaultRTASREndpoint = "wss://office-api-ast-dx.iflyaisol.com/ast/communicate/v1"

var ErrTrailingAudio = errors.New("last frame must not carry audio")

// RTASR signs a canonical query string in the URL, sends raw audio as
// binary messages and ends the stream with a JSON text message.
type RTASR struct {
	Endpoint string
}

func (p *RTASR) Name() string { return "rtasr" }

func (p *RTASR) endpoint() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return DefaultRTASREndpoint
}

func (p *RTASR) Handshake(creds Credentials, meta Meta, now time.Time) (Handshake, error) {
	id := meta.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	appID := meta.AppID
	if appID == "" {
		appID = creds.AppID
	}
	encoding := meta.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	lang := meta.Language
	if lang == "" {
		lang = "autodialect"
	}

	sig, err := sign.Sign(sign.Params{
		"accessKeyId":  creds.APIKey,
		"appId":        appID,
		"uuid":         id,
		"utc":          sign.Timestamp(now),
		"audio_encode": encoding,
		"lang":         lang,
		"samplerate":   strconv.Itoa(meta.sampleRate()),
	}, creds.APISecret, sign.HMACSHA1)
	if err != nil {
		return Handshake{}, err
	}

	return Handshake{
		URL:       p.endpoint() + "?" + sig.Canonical + "&signature=" + sign.Escape(sig.Value),
		Canonical: sig.Canonical,
		Signature: sig.Value,
	}, nil
}

func (p *RTASR) NewEncoder(meta Meta) Encoder {
	return &rtasrEncoder{sessionID: meta.SessionID}
}

type rtasrEnd struct {
	End       bool   `json:"end"`
	SessionID string `json:"sessionId,omitempty"`
}

type rtasrEncoder struct {
	seq sequencer

	mu        sync.Mutex
	sessionID string
}

// SetSessionID records the server-assigned id so the end message can echo it.
func (e *rtasrEncoder) SetSessionID(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

func (e *rtasrEncoder) Encode(f Frame) (Message, error) {
	if f.Role == Last && len(f.Payload) > 0 {
		return Message{}, fault.Protocol("encode", ErrTrailingAudio)
	}
	if err := e.seq.advance(f); err != nil {
		return Message{}, err
	}

	if f.Role != Last {
		return Message{Binary: true, Data: f.Payload}, nil
	}

	e.mu.Lock()
	end := rtasrEnd{End: true, SessionID: e.sessionID}
	e.mu.Unlock()

	data, err := json.Marshal(end)
	if err != nil {
		return Message{}, fault.Protocol("encode", err)
	}
	return Message{Data: data}, nil
}

type rtasrResponse struct {
	MsgType string          `json:"msg_type"`
	Action  string          `json:"action"`
	Code    flexInt         `json:"code"`
	Desc    string          `json:"desc"`
	Message string          `json:"message"`
	SID     string          `json:"sid"`
	Data    json.RawMessage `json:"data"`
}

type rtasrData struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	SegID     *int   `json:"seg_id"`
	LS        bool   `json:"ls"`
	CN        struct {
		ST struct {
			Type string `json:"type"`
			RT   []struct {
				WS []word `json:"ws"`
			} `json:"rt"`
		} `json:"st"`
	} `json:"cn"`
}

// Decode accepts data as an object or as a JSON document encoded in a
// string; the service has shipped both.
func (p *RTASR) Decode(data []byte) (Result, error) {
	var resp rtasrResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fault.Protocol("decode", err)
	}

	res := Result{
		Code:    int(resp.Code),
		Message: resp.Desc,
		SID:     resp.SID,
		Started: resp.Action == "started",
	}
	if res.Message == "" {
		res.Message = resp.Message
	}
	if res.Code != 0 {
		return res, nil
	}

	payload, err := unwrapData(resp.Data)
	if err != nil {
		return Result{}, fault.Protocol("decode", err)
	}
	if payload == nil {
		return res, nil
	}

	var d rtasrData
	if err := json.Unmarshal(payload, &d); err != nil {
		return Result{}, fault.Protocol("decode", err)
	}

	res.Started = res.Started || d.Action == "started"
	if res.SID == "" {
		res.SID = d.SessionID
	}
	res.Final = d.LS

	if d.SegID != nil {
		var words []word
		for _, rt := range d.CN.ST.RT {
			words = append(words, rt.WS...)
		}
		res.Segment = &transcript.Segment{SN: *d.SegID, Tokens: tokens(words)}
	}
	return res, nil
}

func unwrapData(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}
