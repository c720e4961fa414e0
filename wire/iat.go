package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"node.town/rtasr/fault"
	"node.town/rtasr/sign"
	"node.town/rtasr/transcript"
)

const DefaultIATEndpoint = "wss://iat-api.xfyun.cn/v2/iat"

// IAT speaks the JSON envelope protocol where every frame carries its role
// as a status field and audio travels base64-encoded.
type IAT struct {
	Endpoint    string
	Corrections CorrectionMode
}

func (p *IAT) Name() string { return "iat" }

func (p *IAT) endpoint() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return DefaultIATEndpoint
}

// Handshake signs the request line and carries the result in the query.
func (p *IAT) Handshake(creds Credentials, meta Meta, now time.Time) (Handshake, error) {
	u, err := url.Parse(p.endpoint())
	if err != nil {
		return Handshake{}, fault.Connect("parse endpoint", err)
	}

	rl := sign.RequestLine{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		Host:      u.Host,
		Path:      u.Path,
		Date:      sign.HTTPDate(now),
	}
	auth, err := rl.Authorization()
	if err != nil {
		return Handshake{}, err
	}

	q := url.Values{}
	q.Set("authorization", auth)
	q.Set("date", rl.Date)
	q.Set("host", rl.Host)
	u.RawQuery = q.Encode()

	return Handshake{
		URL:       u.String(),
		Canonical: rl.Origin(),
		Signature: auth,
	}, nil
}

func (p *IAT) NewEncoder(meta Meta) Encoder {
	return &iatEncoder{meta: meta}
}

type iatCommon struct {
	AppID string `json:"app_id"`
}

type iatBusiness struct {
	Language string `json:"language,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Accent   string `json:"accent,omitempty"`
	DWA      string `json:"dwa,omitempty"`
}

type iatData struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio"`
}

type iatFrame struct {
	Common   *iatCommon   `json:"common,omitempty"`
	Business *iatBusiness `json:"business,omitempty"`
	Data     iatData      `json:"data"`
}

type iatEncoder struct {
	seq sequencer

	mu   sync.Mutex
	meta Meta
}

// SetSessionID is recorded for completeness; IAT frames do not carry it.
func (e *iatEncoder) SetSessionID(id string) {
	e.mu.Lock()
	e.meta.SessionID = id
	e.mu.Unlock()
}

func (e *iatEncoder) Encode(f Frame) (Message, error) {
	if err := e.seq.advance(f); err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	meta := e.meta
	e.mu.Unlock()

	frame := iatFrame{
		Data: iatData{
			Status:   int(f.Role),
			Format:   iatFormat(meta),
			Encoding: iatEncoding(meta),
			Audio:    base64.StdEncoding.EncodeToString(f.Payload),
		},
	}
	if f.Role == First {
		frame.Common = &iatCommon{AppID: meta.AppID}
		frame.Business = &iatBusiness{
			Language: meta.Language,
			Domain:   meta.Domain,
			Accent:   meta.Accent,
		}
		if meta.Correction {
			frame.Business.DWA = "wpgs"
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return Message{}, fault.Protocol("encode", err)
	}
	return Message{Data: data}, nil
}

func iatFormat(m Meta) string {
	if m.Format != "" {
		return m.Format
	}
	return fmt.Sprintf("audio/L16;rate=%d", m.sampleRate())
}

func iatEncoding(m Meta) string {
	if m.Encoding != "" {
		return m.Encoding
	}
	return "raw"
}

type iatResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Data    *struct {
		Status int `json:"status"`
		Result *struct {
			SN  int    `json:"sn"`
			LS  bool   `json:"ls"`
			PGS string `json:"pgs"`
			RG  []int  `json:"rg"`
			WS  []word `json:"ws"`
		} `json:"result"`
	} `json:"data"`
}

func (p *IAT) Decode(data []byte) (Result, error) {
	var resp iatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fault.Protocol("decode", err)
	}

	res := Result{Code: resp.Code, Message: resp.Message, SID: resp.SID}
	if resp.Code != 0 || resp.Data == nil {
		return res, nil
	}

	res.Final = resp.Data.Status == int(Last)
	r := resp.Data.Result
	if r == nil {
		return res, nil
	}
	res.Final = res.Final || r.LS

	seg := &transcript.Segment{SN: r.SN, Tokens: tokens(r.WS)}
	if r.PGS == "rpl" {
		if err := p.Corrections.apply(seg, r.RG); err != nil {
			return Result{}, fault.Protocol("decode", err)
		}
	}
	res.Segment = seg
	return res, nil
}
